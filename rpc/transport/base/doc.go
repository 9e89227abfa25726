// Package base implements the framed client and server transports the tcp
// and unix transports are built from. Protocol specifics (dialing,
// listening, socket options) come from an IClientConnector or
// IServerConnector.
//
// Frame layout: partition id (8 bytes), request id (8 bytes), length
// (4 bytes), payload. The server hands the partition id to the handler, which
// rejects partitions the member does not own before decoding the payload.
// Frames larger than MaxFrameSize are refused on both sides.
//
// The client keeps ConnectionsPerEndpoint connections per endpoint, picks
// them round robin and correlates responses by request id, so many requests
// are in flight on one connection. Requests that never reached the server are
// retried, broken connections are re-dialed lazily. The server runs one
// goroutine per connection and reuses read buffers through a sync.Pool.
//
// All public methods are safe for concurrent use.
package base
