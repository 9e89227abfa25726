package server

import (
	"context"

	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a request against the node and returns a response.
	// If an error occurs, it should be set in the response
	Handle(ctx context.Context, req *common.Message, node *mapservice.Node) (resp *common.Message)
	// Types lists the message types the adapter handles
	Types() []common.MessageType
}
