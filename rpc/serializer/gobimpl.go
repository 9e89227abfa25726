package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/cockroachdb/errors"
)

// NewGOBSerializer creates a serializer using encoding/gob.
func NewGOBSerializer() IRPCSerializer {
	return gobSerializerImpl{}
}

// gobSerializerImpl encodes every message with a fresh encoder, so each
// frame carries its own type description.
type gobSerializerImpl struct{}

func (gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, errors.Wrapf(err, "gob: encode %s", msg.MsgType)
	}
	return buf.Bytes(), nil
}

func (gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(msg); err != nil {
		return errors.Wrap(err, "gob: decode message")
	}
	return nil
}
