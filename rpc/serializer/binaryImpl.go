package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dMap/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: 1 byte MsgType, 4 bytes flags (big endian), then every field whose
// flag is set in flag order. Byte fields and strings are length prefixed
// (uint32), integers are 8 bytes, lists are a uint32 count of length prefixed
// elements. Ok is carried by its flag alone.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasMapName uint32 = 1 << iota
	hasPartition
	hasKey
	hasValue
	hasExpected
	hasTTL
	hasTimeout
	hasOwner
	hasTxnID
	hasKeys
	hasValues
	hasOk
	hasCount
	hasCode
	hasErr
	hasPayload
	hasMeta
)

const headerSize = 5 // MsgType + flags

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	flags := b.flags(&msg)
	result := make([]byte, headerSize, b.sizeBytes(&msg, flags))
	result[0] = byte(msg.MsgType)
	binary.BigEndian.PutUint32(result[1:headerSize], flags)

	if flags&hasMapName != 0 {
		result = appendString(result, msg.MapName)
	}
	if flags&hasPartition != 0 {
		result = binary.BigEndian.AppendUint64(result, uint64(msg.Partition))
	}
	if flags&hasKey != 0 {
		result = appendBytes(result, msg.Key)
	}
	if flags&hasValue != 0 {
		result = appendBytes(result, msg.Value)
	}
	if flags&hasExpected != 0 {
		result = appendBytes(result, msg.Expected)
	}
	if flags&hasTTL != 0 {
		result = binary.BigEndian.AppendUint64(result, uint64(msg.TTL))
	}
	if flags&hasTimeout != 0 {
		result = binary.BigEndian.AppendUint64(result, uint64(msg.Timeout))
	}
	if flags&hasOwner != 0 {
		result = appendString(result, msg.Owner)
	}
	if flags&hasTxnID != 0 {
		result = appendString(result, msg.TxnID)
	}
	if flags&hasKeys != 0 {
		result = appendList(result, msg.Keys)
	}
	if flags&hasValues != 0 {
		result = appendList(result, msg.Values)
	}
	if flags&hasCount != 0 {
		result = binary.BigEndian.AppendUint64(result, uint64(msg.Count))
	}
	if flags&hasCode != 0 {
		result = append(result, byte(msg.Code))
	}
	if flags&hasErr != 0 {
		result = appendString(result, msg.Err)
	}
	if flags&hasPayload != 0 {
		result = appendBytes(result, msg.Payload)
	}
	if flags&hasMeta != 0 {
		result = appendBytes(result, msg.Meta)
	}
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}
	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint32(data[1:headerSize])
	r := reader{data: data, pos: headerSize}

	if flags&hasMapName != 0 {
		msg.MapName = r.string("map name")
	}
	if flags&hasPartition != 0 {
		msg.Partition = int64(r.uint64("partition"))
	}
	if flags&hasKey != 0 {
		msg.Key = r.bytes("key")
	}
	if flags&hasValue != 0 {
		msg.Value = r.bytes("value")
	}
	if flags&hasExpected != 0 {
		msg.Expected = r.bytes("expected")
	}
	if flags&hasTTL != 0 {
		msg.TTL = int64(r.uint64("ttl"))
	}
	if flags&hasTimeout != 0 {
		msg.Timeout = int64(r.uint64("timeout"))
	}
	if flags&hasOwner != 0 {
		msg.Owner = r.string("owner")
	}
	if flags&hasTxnID != 0 {
		msg.TxnID = r.string("txn id")
	}
	if flags&hasKeys != 0 {
		msg.Keys = r.list("keys")
	}
	if flags&hasValues != 0 {
		msg.Values = r.list("values")
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasCount != 0 {
		msg.Count = int64(r.uint64("count"))
	}
	if flags&hasCode != 0 {
		msg.Code = common.RetCode(r.byte("code"))
	}
	if flags&hasErr != 0 {
		msg.Err = r.string("error")
	}
	if flags&hasPayload != 0 {
		msg.Payload = r.bytes("payload")
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.bytes("meta")
	}
	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// flags returns the presence flags of msg
func (b binarySerializerImpl) flags(msg *common.Message) uint32 {
	var flags uint32
	set := func(cond bool, flag uint32) {
		if cond {
			flags |= flag
		}
	}
	set(msg.MapName != "", hasMapName)
	set(msg.Partition != 0, hasPartition)
	set(msg.Key != nil, hasKey)
	set(msg.Value != nil, hasValue)
	set(msg.Expected != nil, hasExpected)
	set(msg.TTL != 0, hasTTL)
	set(msg.Timeout != 0, hasTimeout)
	set(msg.Owner != "", hasOwner)
	set(msg.TxnID != "", hasTxnID)
	set(msg.Keys != nil, hasKeys)
	set(msg.Values != nil, hasValues)
	set(msg.Ok, hasOk)
	set(msg.Count != 0, hasCount)
	set(msg.Code != common.RetCOk, hasCode)
	set(msg.Err != "", hasErr)
	set(msg.Payload != nil, hasPayload)
	set(msg.Meta != nil, hasMeta)
	return flags
}

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg *common.Message, flags uint32) int {
	size := headerSize
	listSize := func(l [][]byte) int {
		n := 4
		for _, e := range l {
			n += 4 + len(e)
		}
		return n
	}
	if flags&hasMapName != 0 {
		size += 4 + len(msg.MapName)
	}
	if flags&hasPartition != 0 {
		size += 8
	}
	if flags&hasKey != 0 {
		size += 4 + len(msg.Key)
	}
	if flags&hasValue != 0 {
		size += 4 + len(msg.Value)
	}
	if flags&hasExpected != 0 {
		size += 4 + len(msg.Expected)
	}
	if flags&hasTTL != 0 {
		size += 8
	}
	if flags&hasTimeout != 0 {
		size += 8
	}
	if flags&hasOwner != 0 {
		size += 4 + len(msg.Owner)
	}
	if flags&hasTxnID != 0 {
		size += 4 + len(msg.TxnID)
	}
	if flags&hasKeys != 0 {
		size += listSize(msg.Keys)
	}
	if flags&hasValues != 0 {
		size += listSize(msg.Values)
	}
	if flags&hasCount != 0 {
		size += 8
	}
	if flags&hasCode != 0 {
		size++
	}
	if flags&hasErr != 0 {
		size += 4 + len(msg.Err)
	}
	if flags&hasPayload != 0 {
		size += 4 + len(msg.Payload)
	}
	if flags&hasMeta != 0 {
		size += 4 + len(msg.Meta)
	}
	return size
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendList(dst []byte, l [][]byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(l)))
	for _, e := range l {
		dst = appendBytes(dst, e)
	}
	return dst
}

// reader decodes fields and keeps the first error
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *reader) byte(field string) byte {
	if !r.need(1, field) {
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	return b
}

func (r *reader) uint32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *reader) uint64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v
}

// bytes returns a copy, never nil: the frame buffer is reused by the transport
func (r *reader) bytes(field string) []byte {
	n := int(r.uint32(field + " length"))
	if !r.need(n, field) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out
}

func (r *reader) string(field string) string {
	n := int(r.uint32(field + " length"))
	if !r.need(n, field) {
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}

func (r *reader) list(field string) [][]byte {
	n := int(r.uint32(field + " count"))
	if r.err != nil {
		return nil
	}
	// every element needs at least its length prefix
	if !r.need(4*n, field) {
		return nil
	}
	out := make([][]byte, n)
	for i := range out {
		out[i] = r.bytes(field)
	}
	return out
}
