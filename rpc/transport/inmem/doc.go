// Package inmem implements an RPC transport between clients and servers of
// the same process. Servers register their handler under the endpoint name
// of their configuration, clients call it directly. Requests still pass the
// serializer, so the transport exercises the same code paths as the socket
// transports. Used by tests and embedded clusters.
package inmem
