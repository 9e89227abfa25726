package serializer

import "github.com/ValentinKolb/dMap/rpc/common"

// IRPCSerializer encodes Messages for the transports. Client and member must
// use the same implementation.
type IRPCSerializer interface {
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg. msg must be zero valued.
	Deserialize(b []byte, msg *common.Message) error
}
