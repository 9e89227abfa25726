// Package unix implements the RPC transport over Unix domain sockets, for
// clients and members running on the same machine. The endpoint is the
// socket path.
//
// Listening replaces a socket file left behind by a crashed member but
// refuses to touch any other kind of file at that path.
package unix
