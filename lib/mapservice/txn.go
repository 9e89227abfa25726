package mapservice

import (
	"bytes"
	"context"
	"time"

	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/lib/recordstore"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/cockroachdb/errors"
)

// Transact runs ops as one transaction coordinated by this node: on every
// partition owner and replica either all ops become visible or none. The key
// locks of a transaction are owned by its id. An empty txnID is generated.
func (n *Node) Transact(ctx context.Context, txnID string, ops []txn.Op) error {
	n.metrics.op("transact")
	if n.closed.Load() {
		return ErrNodeClosed
	}
	ops = append([]txn.Op(nil), ops...)
	for i := range ops {
		if err := validateOp(&ops[i]); err != nil {
			return err
		}
	}
	err := n.coord.Execute(ctx, txnID, ops)
	switch {
	case err == nil:
		n.metrics.txn("committed")
	case errors.Is(err, txn.ErrCommitIncomplete):
		n.metrics.txn("incomplete")
	default:
		n.metrics.txn("rolled-back")
	}
	return err
}

// validateOp checks an op and maps a zero TTL to the map default.
func validateOp(op *txn.Op) error {
	if op.Map == "" {
		return ErrInvalidMapName
	}
	if err := record.ValidateKey(op.Key); err != nil {
		return err
	}
	switch op.Kind {
	case txn.OpPut, txn.OpSet, txn.OpPutIfAbsent, txn.OpReplaceIfSame:
		if err := record.ValidateValue(op.Value); err != nil {
			return err
		}
	case txn.OpRemove, txn.OpDelete, txn.OpRemoveIfSame:
	default:
		return errors.Newf("unknown transaction op %s", op.Kind)
	}
	if op.TTL == 0 {
		op.TTL = record.UseDefaultTTL
	}
	return nil
}

// lockKey identifies one key of one map inside a partition.
type lockKey struct {
	mapName string
	key     string
}

func logKeys(log *txn.Log) []lockKey {
	seen := make(map[lockKey]bool, len(log.Ops))
	var out []lockKey
	for _, op := range log.Ops {
		k := lockKey{op.Map, string(op.Key)}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// releaseTxnLocks frees the key locks a transaction holds in a partition.
func releaseTxnLocks(pc *PartitionContainer, log *txn.Log) {
	for _, k := range logKeys(log) {
		ls := pc.lockStore(k.mapName)
		if ls.IsLockedBy(k.key, log.TxnID) {
			ls.ForceUnlock(k.key)
		}
	}
}

// TxnPrepare stages a transaction log on the primary of its partition: the
// keys are locked for the transaction, conditional ops are checked against the
// current values and the old values are recorded. The staged log is returned.
func (n *Node) TxnPrepare(ctx context.Context, log *txn.Log) (*txn.Log, error) {
	n.metrics.op("txn-prepare")
	states, pc, err := n.txnTarget(ctx, log)
	if err != nil {
		return nil, err
	}
	if st := pc.txns.State(log.TxnID); st == txn.StateCommitted || st == txn.StateRolledBack {
		return nil, errors.Wrapf(txn.ErrAlreadyFinished, "prepare %s: %s", log.TxnID, st)
	}

	// lock every key, in log order
	var locked []lockKey
	release := func() {
		for _, k := range locked {
			_, _ = pc.lockStore(k.mapName).Unlock(k.key, log.TxnID)
		}
	}
	for _, k := range logKeys(log) {
		ls := pc.lockStore(k.mapName)
		for !ls.Lock(k.key, log.TxnID, n.cfg.PrepareTTL) {
			if err := ls.Wait(ctx, k.key, log.TxnID); err != nil {
				release()
				return nil, errors.Wrapf(err, "txn %s", log.TxnID)
			}
		}
		locked = append(locked, k)
	}

	if _, err := n.enter(log.Partition); err != nil {
		release()
		return nil, err
	}
	defer pc.mu.Unlock()

	prepared := log.Clone()
	if err := n.stage(pc, states, prepared); err != nil {
		release()
		return nil, err
	}
	if err := pc.txns.Prepare(prepared, n.now().Add(n.cfg.PrepareTTL)); err != nil {
		release()
		return nil, err
	}
	Logger.Debugf("node %s: prepared txn %s on partition %d (%d ops)", n.local.ID, log.TxnID, log.Partition, len(log.Ops))
	return prepared.Clone(), nil
}

// txnTarget validates a log and resolves its map states and partition.
func (n *Node) txnTarget(ctx context.Context, log *txn.Log) (map[string]*mapState, *PartitionContainer, error) {
	if n.closed.Load() {
		return nil, nil, ErrNodeClosed
	}
	if log == nil || log.TxnID == "" {
		return nil, nil, errors.New("transaction log without id")
	}
	states := make(map[string]*mapState)
	for i := range log.Ops {
		if err := validateOp(&log.Ops[i]); err != nil {
			return nil, nil, err
		}
		if _, ok := states[log.Ops[i].Map]; ok {
			continue
		}
		ms, err := n.mapState(ctx, log.Ops[i].Map)
		if err != nil {
			return nil, nil, err
		}
		states[log.Ops[i].Map] = ms
	}
	pc, err := n.partition(log.Partition)
	if err != nil {
		return nil, nil, err
	}
	return states, pc, nil
}

// stage simulates the ops in order on top of the current values, filling in
// the old values and failing with ErrConflict if a condition does not hold.
// pc.mu must be held.
func (n *Node) stage(pc *PartitionContainer, states map[string]*mapState, log *txn.Log) error {
	type value struct {
		data   []byte
		exists bool
	}
	overlay := make(map[lockKey]value)
	for i := range log.Ops {
		op := &log.Ops[i]
		k := lockKey{op.Map, string(op.Key)}
		cur, ok := overlay[k]
		if !ok {
			st, err := pc.store(n, states[op.Map])
			if err != nil {
				return err
			}
			if r, found := st.Peek(op.Key); found {
				cur = value{data: r.CopyValue(), exists: true}
			}
		}
		op.Old, op.OldExists = cur.data, cur.exists

		next := cur
		switch op.Kind {
		case txn.OpPut, txn.OpSet:
			next = value{data: op.Value, exists: true}
		case txn.OpPutIfAbsent:
			if !cur.exists {
				next = value{data: op.Value, exists: true}
			}
		case txn.OpReplaceIfSame:
			if !cur.exists || !bytes.Equal(cur.data, op.Expected) {
				return errors.Wrapf(txn.ErrConflict, "txn %s: replace-if-same on %q", log.TxnID, op.Key)
			}
			next = value{data: op.Value, exists: true}
		case txn.OpRemoveIfSame:
			if !cur.exists || !bytes.Equal(cur.data, op.Expected) {
				return errors.Wrapf(txn.ErrConflict, "txn %s: remove-if-same on %q", log.TxnID, op.Key)
			}
			next = value{}
		case txn.OpRemove, txn.OpDelete:
			next = value{}
		}
		overlay[k] = next
	}
	return nil
}

// TxnBackupPrepare stores a prepared log on a replica without applying it.
func (n *Node) TxnBackupPrepare(ctx context.Context, log *txn.Log) error {
	n.metrics.op("txn-backup-prepare")
	_, pc, err := n.txnTarget(ctx, log)
	if err != nil {
		return err
	}
	return pc.txns.Prepare(log, n.now().Add(n.cfg.PrepareTTL))
}

// TxnCommit applies a prepared transaction. The primary writes through to the
// map store, releases the transaction's key locks and publishes events; a
// replica only updates memory. A repeated commit is a no-op.
func (n *Node) TxnCommit(ctx context.Context, partition int, txnID string, backup bool) error {
	n.metrics.op("txn-commit")
	pc, err := n.partition(partition)
	if err != nil {
		return err
	}
	staged, _ := pc.txns.Lookup(txnID)
	states := make(map[string]*mapState)
	if staged != nil {
		for _, op := range staged.Ops {
			if _, ok := states[op.Map]; ok {
				continue
			}
			ms, err := n.mapState(ctx, op.Map)
			if err != nil {
				return err
			}
			states[op.Map] = ms
		}
	}

	pc.mu.Lock()
	log, apply, err := pc.txns.Commit(txnID)
	if err != nil || !apply {
		pc.mu.Unlock()
		return err
	}
	var evts []events.Event
	ctx = context.WithoutCancel(ctx)
	for _, op := range log.Ops {
		ms, ok := states[op.Map]
		if !ok {
			// prepared after the lookup; preparing created the state
			if ms, ok = n.maps.Load(op.Map); !ok {
				continue
			}
		}
		st, err := pc.store(n, ms)
		if err != nil {
			Logger.Errorf("node %s: txn %s: %v", n.local.ID, txnID, err)
			continue
		}
		if t, changed := n.applyOp(ctx, st, op, backup); changed && !backup {
			evts = append(evts, events.Event{Type: t, Map: op.Map, Key: op.Key})
		}
	}
	pc.mu.Unlock()

	if !backup {
		releaseTxnLocks(pc, log)
		for _, e := range evts {
			n.bus.Publish(e)
		}
	}
	Logger.Debugf("node %s: committed txn %s on partition %d (backup=%v)", n.local.ID, txnID, partition, backup)
	return nil
}

// applyOp applies one committed op. Conditions were checked during prepare
// while the key was locked, so conditional ops apply unconditionally here.
func (n *Node) applyOp(ctx context.Context, st *recordstore.Store, op txn.Op, backup bool) (events.Type, bool) {
	r, exists := st.Peek(op.Key)
	var err error
	switch op.Kind {
	case txn.OpPut, txn.OpSet:
		if backup {
			st.PutTransient(op.Key, op.Value, op.TTL)
		} else {
			_, _, err = st.Put(ctx, op.Key, op.Value, op.TTL)
		}
	case txn.OpPutIfAbsent:
		if exists {
			return 0, false
		}
		if backup {
			st.PutTransient(op.Key, op.Value, op.TTL)
		} else {
			_, _, err = st.PutIfAbsent(ctx, op.Key, op.Value, op.TTL)
		}
	case txn.OpReplaceIfSame:
		if !exists {
			return 0, false
		}
		if backup {
			st.PutTransient(op.Key, op.Value, r.TTL)
		} else {
			_, _, err = st.Replace(ctx, op.Key, op.Value)
		}
	case txn.OpRemove, txn.OpDelete, txn.OpRemoveIfSame:
		if !exists {
			return 0, false
		}
		if backup {
			st.Evict(op.Key)
		} else {
			_, _, err = st.Remove(ctx, op.Key)
		}
		if err == nil {
			return events.Removed, true
		}
	}
	if err != nil {
		Logger.Errorf("node %s: applying %s on %q failed: %v", n.local.ID, op.Kind, op.Key, err)
		return 0, false
	}
	if exists {
		return events.Updated, true
	}
	return events.Added, true
}

// TxnRollback discards a transaction. Rolling back an unknown transaction
// leaves a tombstone so a late prepare is rejected.
func (n *Node) TxnRollback(ctx context.Context, partition int, txnID string, backup bool) error {
	n.metrics.op("txn-rollback")
	pc, err := n.partition(partition)
	if err != nil {
		return err
	}
	log, err := pc.txns.Rollback(txnID)
	if err != nil {
		return err
	}
	if log != nil {
		releaseTxnLocks(pc, log)
		Logger.Debugf("node %s: rolled back txn %s on partition %d (backup=%v)", n.local.ID, txnID, partition, backup)
	}
	return nil
}

// --------------------------------------------------------------------------
// Reaper
// --------------------------------------------------------------------------

func (n *Node) runReaper() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.reap()
		}
	}
}

// reap rolls back prepared transactions past their deadline, sweeps a
// batch of expired records in every partition and drops remote event
// subscriptions nobody polls anymore.
func (n *Node) reap() {
	if expired := n.bus.ExpireIdle(n.cfg.SubscriptionIdle); expired > 0 {
		Logger.Infof("node %s: dropped %d idle event subscriptions", n.local.ID, expired)
	}
	now := n.now()
	for _, pc := range n.parts {
		for _, log := range pc.txns.Expire(now) {
			releaseTxnLocks(pc, log)
			Logger.Warningf("node %s: txn %s on partition %d timed out, rolled back", n.local.ID, log.TxnID, pc.id)
			n.metrics.txn("timed-out")
		}
		pc.mu.Lock()
		for _, st := range pc.stores {
			st.SweepExpired(n.cfg.SweepBatch)
		}
		pc.mu.Unlock()
	}
}
