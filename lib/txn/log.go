package txn

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrReplicationFailed signals that a replica did not acknowledge in time.
	ErrReplicationFailed = errors.New("replication failed: backup acknowledgment missing")
	// ErrConflict signals that a conditional operation found an unexpected value.
	ErrConflict = errors.New("transaction conflict")
	// ErrNotPrepared is returned for commit instructions without a prepared log.
	ErrNotPrepared = errors.New("transaction is not prepared")
	// ErrAlreadyFinished is returned when preparing a committed or rolled back transaction.
	ErrAlreadyFinished = errors.New("transaction already finished")
	// ErrCommitIncomplete signals that some participant did not confirm the commit.
	ErrCommitIncomplete = errors.New("transaction commit incomplete")
)

// OpKind is the kind of a transactional operation.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpSet
	OpPutIfAbsent
	OpRemove
	OpDelete
	OpReplaceIfSame
	OpRemoveIfSame
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpSet:
		return "set"
	case OpPutIfAbsent:
		return "put-if-absent"
	case OpRemove:
		return "remove"
	case OpDelete:
		return "delete"
	case OpReplaceIfSame:
		return "replace-if-same"
	case OpRemoveIfSame:
		return "remove-if-same"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// IsRemoval reports whether the op deletes the key.
func (k OpKind) IsRemoval() bool {
	return k == OpRemove || k == OpDelete || k == OpRemoveIfSame
}

// Op is one pending per-key change.
type Op struct {
	Map      string        `json:"map"`
	Key      []byte        `json:"key"`
	Kind     OpKind        `json:"kind"`
	Value    []byte        `json:"value,omitempty"`    // new value
	Expected []byte        `json:"expected,omitempty"` // for the *IfSame kinds
	TTL      time.Duration `json:"ttl"`

	// filled by the primary during prepare
	Old       []byte `json:"old,omitempty"`
	OldExists bool   `json:"old_exists"`
}

// Log is the part of a transaction that touches one partition.
type Log struct {
	TxnID       string `json:"txn_id"`
	Partition   int    `json:"partition"`
	Coordinator string `json:"coordinator"`
	Ops         []Op   `json:"ops"`
}

// Keys returns the distinct keys of the log in op order.
func (l *Log) Keys() []string {
	seen := make(map[string]bool, len(l.Ops))
	var keys []string
	for _, op := range l.Ops {
		k := op.Map + "\x00" + string(op.Key)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// Clone returns a deep enough copy to hand the log to another participant.
func (l *Log) Clone() *Log {
	out := *l
	out.Ops = append([]Op(nil), l.Ops...)
	return &out
}

// State is the state of a transaction inside one container.
type State uint8

const (
	StateUnknown State = iota
	StatePrepared
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}
