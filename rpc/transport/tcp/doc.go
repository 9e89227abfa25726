// Package tcp implements the TCP socket transport, the default transport
// between clients and members and between members.
//
// Dials time out after a few seconds, so a member that left without being
// removed from the partition table fails fast. The TCPConf and SocketConf
// options (no delay, keep alive, linger, socket buffers) are applied to
// dialed and accepted connections.
package tcp
