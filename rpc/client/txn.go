package client

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Transaction buffers map operations and applies them atomically on Commit,
// across partitions and maps. The member owning the partition of the first
// operation coordinates the two phase commit.
//
// Reads inside the transaction see the buffered writes of the transaction.
//
// Thread-safety: all methods are safe for concurrent use.
type Transaction struct {
	state   *txnState
	mapName string
}

type txnState struct {
	client *Client
	id     string

	mu   sync.Mutex
	ops  []txn.Op
	done bool
}

func newTransaction(c *Client, mapName string) *Transaction {
	return &Transaction{
		state:   &txnState{client: c, id: uuid.NewString()},
		mapName: mapName,
	}
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.state.id }

// On returns a view of the same transaction whose operations target mapName.
func (t *Transaction) On(mapName string) *Transaction {
	return &Transaction{state: t.state, mapName: mapName}
}

// Ops returns a copy of the buffered operations.
func (t *Transaction) Ops() []txn.Op {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	return slices.Clone(t.state.ops)
}

func (t *Transaction) add(op txn.Op) error {
	if t.mapName == "" {
		return errors.Wrap(mapservice.ErrInvalidMapName, "transaction has no map, use On")
	}
	op.Map = t.mapName
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if t.state.done {
		return errors.Wrapf(txn.ErrAlreadyFinished, "transaction %s", t.state.id)
	}
	t.state.ops = append(t.state.ops, op)
	return nil
}

// Put stores value under key with the default ttl of the map.
func (t *Transaction) Put(key, value []byte) error {
	return t.add(txn.Op{Key: key, Kind: txn.OpPut, Value: value})
}

// PutWithTTL stores value under key expiring after ttl.
func (t *Transaction) PutWithTTL(key, value []byte, ttl time.Duration) error {
	return t.add(txn.Op{Key: key, Kind: txn.OpPut, Value: value, TTL: ttl})
}

// Set stores value under key.
func (t *Transaction) Set(key, value []byte) error {
	return t.add(txn.Op{Key: key, Kind: txn.OpSet, Value: value})
}

// PutIfAbsent stores value unless key is present at commit.
func (t *Transaction) PutIfAbsent(key, value []byte) error {
	return t.add(txn.Op{Key: key, Kind: txn.OpPutIfAbsent, Value: value})
}

// Remove removes key.
func (t *Transaction) Remove(key []byte) error {
	return t.add(txn.Op{Key: key, Kind: txn.OpRemove})
}

// Delete removes key.
func (t *Transaction) Delete(key []byte) error {
	return t.add(txn.Op{Key: key, Kind: txn.OpDelete})
}

// ReplaceIfSame stores value if the value of key equals expected at commit.
func (t *Transaction) ReplaceIfSame(key, expected, value []byte) error {
	return t.add(txn.Op{Key: key, Kind: txn.OpReplaceIfSame, Expected: expected, Value: value})
}

// RemoveIfSame removes key if its value equals expected at commit.
func (t *Transaction) RemoveIfSame(key, expected []byte) error {
	return t.add(txn.Op{Key: key, Kind: txn.OpRemoveIfSame, Expected: expected})
}

// Get returns the value of key as the transaction would leave it: the
// committed value with the buffered operations on key applied.
func (t *Transaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if t.mapName == "" {
		return nil, false, errors.Wrap(mapservice.ErrInvalidMapName, "transaction has no map, use On")
	}
	t.state.mu.Lock()
	if t.state.done {
		t.state.mu.Unlock()
		return nil, false, errors.Wrapf(txn.ErrAlreadyFinished, "transaction %s", t.state.id)
	}
	var pending []txn.Op
	for _, op := range t.state.ops {
		if op.Map == t.mapName && bytes.Equal(op.Key, key) {
			pending = append(pending, op)
		}
	}
	t.state.mu.Unlock()

	// a trailing unconditional op decides alone
	var value []byte
	var found bool
	start := 0
	for i := len(pending) - 1; i >= 0; i-- {
		if unconditional(pending[i].Kind) {
			start = i
			break
		}
	}
	if len(pending) == 0 || start == 0 && !unconditional(pending[0].Kind) {
		proxy, err := t.state.client.Map(ctx, t.mapName, nil)
		if err != nil {
			return nil, false, err
		}
		if value, found, err = proxy.getRemote(ctx, key); err != nil {
			return nil, false, err
		}
	}
	for _, op := range pending[start:] {
		value, found = applyOp(op, value, found)
	}
	return value, found, nil
}

func unconditional(k txn.OpKind) bool {
	return k == txn.OpPut || k == txn.OpSet || k == txn.OpRemove || k == txn.OpDelete
}

// applyOp returns the state of a key after op
func applyOp(op txn.Op, value []byte, found bool) ([]byte, bool) {
	switch op.Kind {
	case txn.OpPut, txn.OpSet:
		return op.Value, true
	case txn.OpPutIfAbsent:
		if !found {
			return op.Value, true
		}
	case txn.OpRemove, txn.OpDelete:
		return nil, false
	case txn.OpReplaceIfSame:
		if found && bytes.Equal(value, op.Expected) {
			return op.Value, true
		}
	case txn.OpRemoveIfSame:
		if found && bytes.Equal(value, op.Expected) {
			return nil, false
		}
	}
	return value, found
}

// Commit applies the buffered operations atomically. A failed condition or
// a lock held by someone else rolls the whole transaction back.
// txn.ErrCommitIncomplete means the decision was commit but some partitions
// could not be reached yet; the coordinator keeps retrying them.
func (t *Transaction) Commit(ctx context.Context) error {
	st := t.state
	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		return errors.Wrapf(txn.ErrAlreadyFinished, "transaction %s", st.id)
	}
	st.done = true
	ops := st.ops
	st.ops = nil
	st.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}
	if st.client.closed.Load() {
		return ErrClientClosed
	}

	// cached values of the touched keys are stale whatever the outcome
	for _, op := range ops {
		if p, ok := st.client.proxies.Load(op.Map); ok {
			p.invalidate(op.Key)
		}
	}

	table, err := st.client.table(ctx)
	if err != nil {
		return err
	}
	coordinator, ok := table.Member(table.OwnerOf(table.PartitionFor(ops[0].Key)))
	if !ok {
		return errors.Wrapf(mapservice.ErrUnreachable, "no coordinator for transaction %s", st.id)
	}

	req := &common.Message{MsgType: common.MsgTTransact, TxnID: st.id, Owner: st.client.id, Partition: -1}
	if err := req.SetPayload(ops); err != nil {
		return err
	}
	if _, err := st.client.inv.InvokeOnMember(ctx, coordinator, req); err != nil {
		return errors.Wrapf(err, "commit transaction %s via %s", st.id, coordinator.ID)
	}
	Logger.Debugf("committed transaction %s with %d op(s)", st.id, len(ops))
	return nil
}

// Rollback discards the buffered operations. Nothing was sent to the
// cluster before Commit, so there is nothing to undo remotely.
func (t *Transaction) Rollback() error {
	st := t.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return errors.Wrapf(txn.ErrAlreadyFinished, "transaction %s", st.id)
	}
	st.done = true
	st.ops = nil
	return nil
}
