package transport

import (
	"context"

	"github.com/ValentinKolb/dMap/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the partition id of the frame and a request and returns a response.
// Requests that are not addressed to a partition carry common.NoPartition.
type ServerHandleFunc func(partitionID uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a ServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves incoming requests. It
	// blocks until Close is called (returning nil) or the listener fails.
	Listen(config common.ServerConfig) error
	// Close stops listening and closes all open connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response. The
	// request is abandoned when ctx is done.
	Send(ctx context.Context, partitionID uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}

// ClientFactory creates an unconnected client transport. The rpc client
// creates one transport per member.
type ClientFactory func() IRPCClientTransport
