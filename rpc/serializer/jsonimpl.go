package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/cockroachdb/errors"
)

// NewJSONSerializer creates a serializer using encoding/json. Values and
// payloads are base64 encoded byte slices.
func NewJSONSerializer() IRPCSerializer {
	return jsonSerializerImpl{}
}

type jsonSerializerImpl struct{}

func (jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "json: encode %s", msg.MsgType)
	}
	return b, nil
}

func (jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	if err := json.Unmarshal(b, msg); err != nil {
		return errors.Wrap(err, "json: decode message")
	}
	return nil
}
