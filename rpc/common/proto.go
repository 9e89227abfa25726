package common

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/ValentinKolb/dMap/lib/query"
)

// NoPartition is the frame id of requests that are not addressed to a
// partition (member scoped operations, node to node calls).
const NoPartition uint64 = math.MaxUint64

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Addressing
	MapName   string `json:"map,omitempty"`
	Partition int64  `json:"partition,omitempty"`

	// Key operations
	Key      []byte `json:"key,omitempty"`
	Value    []byte `json:"value,omitempty"`
	Expected []byte `json:"expected,omitempty"` // compare value of the *IfSame operations
	TTL      int64  `json:"ttl,omitempty"`      // nanoseconds, negative values are ttl markers
	Timeout  int64  `json:"timeout,omitempty"`  // nanoseconds: lock lease, try timeout, poll wait
	Owner    string `json:"owner,omitempty"`    // lock owner
	TxnID    string `json:"txn_id,omitempty"`   // transaction or subscription id

	// Bulk operations: entry i is Keys[i] -> Values[i]
	Keys   [][]byte `json:"keys,omitempty"`
	Values [][]byte `json:"values,omitempty"`

	// Response fields
	Ok    bool    `json:"ok,omitempty"`
	Count int64   `json:"count,omitempty"`
	Code  RetCode `json:"code,omitempty"`
	Err   string  `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// Payload carries structured arguments and results as json (predicates,
	// transaction logs, partition data, events, ...)
	Payload []byte `json:"payload,omitempty"`

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Unused, can be used for additional Adapters
}

// TTLDuration returns the ttl field as a duration.
func (m *Message) TTLDuration() time.Duration { return time.Duration(m.TTL) }

// TimeoutDuration returns the timeout field as a duration.
func (m *Message) TimeoutDuration() time.Duration { return time.Duration(m.Timeout) }

// SetPayload json encodes v into the payload.
func (m *Message) SetPayload(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", m.MsgType, err)
	}
	m.Payload = b
	return nil
}

// DecodePayload json decodes the payload into v. An empty payload leaves v untouched.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.MsgType, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewKeyRequest creates a request addressed to the partition of key.
func NewKeyRequest(t MessageType, mapName string, partition int, key []byte) *Message {
	return &Message{
		MsgType:   t,
		MapName:   mapName,
		Partition: int64(partition),
		Key:       key,
	}
}

// NewMapRequest creates a member scoped request for a map.
func NewMapRequest(t MessageType, mapName string) *Message {
	return &Message{
		MsgType:   t,
		MapName:   mapName,
		Partition: -1,
	}
}

// NewResponse creates the response to req carrying err.
func NewResponse(req *Message, err error) *Message {
	msg := &Message{MsgType: req.MsgType}
	if err != nil {
		msg.Code = CodeOf(err)
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(code RetCode, err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Code:    code,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Key operations, routed to the partition owner

	MsgTGet
	MsgTGetEntryView
	MsgTContainsKey
	MsgTGetAll
	MsgTPut
	MsgTPutTransient
	MsgTSet
	MsgTPutIfAbsent
	MsgTReplace
	MsgTReplaceIfSame
	MsgTRemove
	MsgTDelete
	MsgTRemoveIfSame
	MsgTEvict
	MsgTTryPut
	MsgTTryRemove
	MsgTPutAll

	// Key locks

	MsgTLock
	MsgTTryLock
	MsgTUnlock
	MsgTForceUnlock
	MsgTIsLocked
	MsgTLockOwner

	// Member scoped map operations

	MsgTSize
	MsgTContainsValue
	MsgTClear
	MsgTEvictAll
	MsgTQuery
	MsgTAddIndex
	MsgTFlush
	MsgTLoadAll
	MsgTDestroyMap
	MsgTMapStats
	MsgTDefineMap
	MsgTMapConfig

	// Transactions

	MsgTTransact
	MsgTTxnPrepare
	MsgTTxnBackupPrepare
	MsgTTxnCommit
	MsgTTxnRollback

	// Node to node

	MsgTBackup
	MsgTMigrate

	// Invalidation events

	MsgTEventSubscribe
	MsgTEventPoll
	MsgTEventUnsubscribe

	// Cluster

	MsgTTable

	// Custom operations

	MsgTCustom
)

var messageTypeNames = map[MessageType]string{
	MsgTUnknown:          "unknown",
	MsgTSuccess:          "success",
	MsgTError:            "error",
	MsgTGet:              "get",
	MsgTGetEntryView:     "getEntryView",
	MsgTContainsKey:      "containsKey",
	MsgTGetAll:           "getAll",
	MsgTPut:              "put",
	MsgTPutTransient:     "putTransient",
	MsgTSet:              "set",
	MsgTPutIfAbsent:      "putIfAbsent",
	MsgTReplace:          "replace",
	MsgTReplaceIfSame:    "replaceIfSame",
	MsgTRemove:           "remove",
	MsgTDelete:           "delete",
	MsgTRemoveIfSame:     "removeIfSame",
	MsgTEvict:            "evict",
	MsgTTryPut:           "tryPut",
	MsgTTryRemove:        "tryRemove",
	MsgTPutAll:           "putAll",
	MsgTLock:             "lock",
	MsgTTryLock:          "tryLock",
	MsgTUnlock:           "unlock",
	MsgTForceUnlock:      "forceUnlock",
	MsgTIsLocked:         "isLocked",
	MsgTLockOwner:        "lockOwner",
	MsgTSize:             "size",
	MsgTContainsValue:    "containsValue",
	MsgTClear:            "clear",
	MsgTEvictAll:         "evictAll",
	MsgTQuery:            "query",
	MsgTAddIndex:         "addIndex",
	MsgTFlush:            "flush",
	MsgTLoadAll:          "loadAll",
	MsgTDestroyMap:       "destroyMap",
	MsgTMapStats:         "mapStats",
	MsgTDefineMap:        "defineMap",
	MsgTMapConfig:        "mapConfig",
	MsgTTransact:         "transact",
	MsgTTxnPrepare:       "txnPrepare",
	MsgTTxnBackupPrepare: "txnBackupPrepare",
	MsgTTxnCommit:        "txnCommit",
	MsgTTxnRollback:      "txnRollback",
	MsgTBackup:           "backup",
	MsgTMigrate:          "migrate",
	MsgTEventSubscribe:   "eventSubscribe",
	MsgTEventPoll:        "eventPoll",
	MsgTEventUnsubscribe: "eventUnsubscribe",
	MsgTTable:            "table",
	MsgTCustom:           "custom",
}

var messageTypesByName = func() map[string]MessageType {
	out := make(map[string]MessageType, len(messageTypeNames))
	for t, name := range messageTypeNames {
		out[name] = t
	}
	return out
}()

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	mt, ok := messageTypesByName[s]
	if !ok {
		return fmt.Errorf("unknown message type: %s", s)
	}
	*t = mt
	return nil
}

// --------------------------------------------------------------------------
// Payload types shared by client and server
// --------------------------------------------------------------------------

// TablePayload describes the partition table of the cluster.
type TablePayload struct {
	PartitionCount int           `json:"partition_count"`
	BackupCount    int           `json:"backup_count"`
	Members        []MemberEntry `json:"members"`
}

// MemberEntry is one member of a TablePayload.
type MemberEntry struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// IndexPayload is the argument of MsgTAddIndex.
type IndexPayload struct {
	Attribute string `json:"attribute"`
	Ordered   bool   `json:"ordered"`
}

// CommitPayload is the argument of MsgTTxnCommit and MsgTTxnRollback.
type CommitPayload struct {
	Backup bool `json:"backup"`
}

// QueryPayload is the argument of MsgTQuery. Predicate holds the output of
// query.Encode.
type QueryPayload struct {
	Predicate json.RawMessage     `json:"predicate"`
	Window    *query.Window       `json:"window,omitempty"`
	Iteration query.IterationType `json:"iteration"`
}
