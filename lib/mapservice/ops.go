package mapservice

import (
	"context"
	"time"

	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/lockstore"
	"github.com/ValentinKolb/dMap/lib/query"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/lib/recordstore"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// change is what a mutation did to its key.
type change uint8

const (
	unchanged change = iota
	written
	removed
	evicted
)

// --------------------------------------------------------------------------
// Primary path
// --------------------------------------------------------------------------

// enterKey enters the region of the key's partition once owner may write the
// key, waiting for foreign key locks to go away. The caller must unlock pc.mu.
func (n *Node) enterKey(ctx context.Context, pid int, mapName string, key []byte, owner string) (*PartitionContainer, error) {
	for {
		pc, err := n.enter(pid)
		if err != nil {
			return nil, err
		}
		ls := pc.lockStore(mapName)
		if ls.CanAcquire(string(key), owner) {
			return pc, nil
		}
		pc.mu.Unlock()
		if err := ls.Wait(ctx, string(key), owner); err != nil {
			return nil, err
		}
	}
}

// mutate runs fn on the key's record store inside the partition region and
// replicates the outcome before returning. If replication fails the key is
// restored to its previous state and the error is returned.
func (n *Node) mutate(ctx context.Context, opName, mapName string, key []byte, owner string, fn func(st *recordstore.Store) (change, error)) error {
	n.metrics.op(opName)
	if err := record.ValidateKey(key); err != nil {
		return err
	}
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return err
	}
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	pid := n.table.Load().PartitionFor(key)
	pc, err := n.enterKey(ctx, pid, mapName, key, owner)
	if err != nil {
		return err
	}
	st, err := pc.store(n, ms)
	if err != nil {
		pc.mu.Unlock()
		return err
	}
	prev, had := st.GetEntryView(key)
	ch, err := fn(st)
	if err != nil || ch == unchanged {
		pc.mu.Unlock()
		return err
	}

	op := BackupOp{Kind: BackupRemove, Map: mapName, Partition: pid, Key: key}
	if ch == written {
		if view, ok := st.GetEntryView(key); ok {
			op = BackupOp{Kind: BackupPut, Map: mapName, Partition: pid, Key: key, Entry: &view}
		}
	}
	if err := n.backup(ctx, ms, pid, []BackupOp{op}); err != nil {
		var before *record.EntryView
		if had {
			before = &prev
		}
		n.undo(ctx, ms, st, pid, key, before)
		pc.mu.Unlock()
		return err
	}
	pc.mu.Unlock()

	switch {
	case ch == written && had:
		n.publish(events.Updated, mapName, key)
	case ch == written:
		n.publish(events.Added, mapName, key)
	case ch == removed:
		n.publish(events.Removed, mapName, key)
	case ch == evicted:
		n.publish(events.Evicted, mapName, key)
	}
	return nil
}

// undo restores a key after a failed replication and re-sends the restored
// state to the replicas on a best-effort basis. pc.mu must be held.
func (n *Node) undo(ctx context.Context, ms *mapState, st *recordstore.Store, pid int, key []byte, before *record.EntryView) {
	ctx = context.WithoutCancel(ctx)
	if err := st.Restore(ctx, key, before); err != nil {
		Logger.Errorf("node %s: restoring %q in %s/%d failed: %v", n.local.ID, key, ms.name, pid, err)
	}
	op := BackupOp{Kind: BackupRemove, Map: ms.name, Partition: pid, Key: key}
	if before != nil {
		op = BackupOp{Kind: BackupPut, Map: ms.name, Partition: pid, Key: key, Entry: before}
	}
	if err := n.backup(ctx, ms, pid, []BackupOp{op}); err != nil {
		Logger.Warningf("node %s: compensating backup of %s/%d failed: %v", n.local.ID, ms.name, pid, err)
	}
}

// replicas returns the members holding backups of a partition for a map.
func (n *Node) replicas(ms *mapState, pid int) []string {
	rs := n.table.Load().ReplicasOf(pid)
	if count := ms.config().BackupCount; count < len(rs) {
		rs = rs[:max(count, 0)]
	}
	return rs
}

// backup sends ops to every replica of the partition and waits for all
// acknowledgments within the backup timeout.
func (n *Node) backup(ctx context.Context, ms *mapState, pid int, ops []BackupOp) error {
	replicas := n.replicas(ms, pid)
	if len(replicas) == 0 || len(ops) == 0 {
		return nil
	}
	if n.peer == nil {
		return errors.Wrapf(txn.ErrReplicationFailed, "partition %d: no peer configured", pid)
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.BackupTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, member := range replicas {
		g.Go(func() error {
			return n.peer.Backup(gctx, member, ops)
		})
	}
	if err := g.Wait(); err != nil {
		n.metrics.backupFailures.Inc()
		Logger.Warningf("node %s: backup of %s/%d failed: %v", n.local.ID, ms.name, pid, err)
		return errors.WithSecondaryError(errors.Wrapf(txn.ErrReplicationFailed, "partition %d of %q", pid, ms.name), err)
	}
	return nil
}

// ApplyBackup installs changes a primary replicated to this node.
func (n *Node) ApplyBackup(ctx context.Context, ops []BackupOp) error {
	if n.closed.Load() {
		return ErrNodeClosed
	}
	n.metrics.op("backup")
	for _, op := range ops {
		ms, err := n.mapState(ctx, op.Map)
		if err != nil {
			return err
		}
		pc, err := n.partition(op.Partition)
		if err != nil {
			return err
		}
		pc.mu.Lock()
		st, err := pc.store(n, ms)
		if err != nil {
			pc.mu.Unlock()
			return err
		}
		switch op.Kind {
		case BackupPut:
			if op.Entry != nil {
				st.Install([]record.EntryView{*op.Entry})
			}
		case BackupRemove:
			st.Evict(op.Key)
		case BackupClear:
			keep := make(map[string]bool, len(op.Preserve))
			for _, k := range op.Preserve {
				keep[k] = true
			}
			st.EvictAll(func(key string) bool { return keep[key] })
		default:
			pc.mu.Unlock()
			return errors.Newf("unknown backup kind %d", op.Kind)
		}
		pc.mu.Unlock()
	}
	return nil
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

// read runs fn on the key's record store inside the partition region.
func (n *Node) read(ctx context.Context, opName, mapName string, key []byte, fn func(st *recordstore.Store) error) error {
	n.metrics.op(opName)
	if err := record.ValidateKey(key); err != nil {
		return err
	}
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return err
	}
	pid := n.table.Load().PartitionFor(key)
	pc, err := n.enter(pid)
	if err != nil {
		return err
	}
	defer pc.mu.Unlock()
	st, err := pc.store(n, ms)
	if err != nil {
		return err
	}
	return fn(st)
}

// Get returns a copy of the value stored under key. A miss is loaded from the
// map store if the map has one; the loaded entry is replicated.
func (n *Node) Get(ctx context.Context, mapName string, key []byte) (value []byte, found bool, err error) {
	err = n.read(ctx, "get", mapName, key, func(st *recordstore.Store) error {
		_, cached := st.Peek(key)
		value, found, err = st.Get(ctx, key)
		if err != nil || !found || cached {
			return err
		}
		if view, ok := st.GetEntryView(key); ok {
			ms, _ := n.maps.Load(mapName)
			op := BackupOp{Kind: BackupPut, Map: mapName, Partition: st.PartitionID(), Key: key, Entry: &view}
			if berr := n.backup(ctx, ms, st.PartitionID(), []BackupOp{op}); berr != nil {
				Logger.Warningf("node %s: backup of loaded key %q failed: %v", n.local.ID, key, berr)
			}
		}
		return nil
	})
	return value, found, err
}

// GetEntryView returns the value of key together with its metadata.
func (n *Node) GetEntryView(ctx context.Context, mapName string, key []byte) (view record.EntryView, found bool, err error) {
	err = n.read(ctx, "get-entry-view", mapName, key, func(st *recordstore.Store) error {
		view, found = st.GetEntryView(key)
		return nil
	})
	return view, found, err
}

// ContainsKey reports whether key has a live record.
func (n *Node) ContainsKey(ctx context.Context, mapName string, key []byte) (found bool, err error) {
	err = n.read(ctx, "contains-key", mapName, key, func(st *recordstore.Store) error {
		found, err = st.ContainsKey(ctx, key)
		return err
	})
	return found, err
}

// GetAll returns the entries found for keys, grouped by partition internally.
// Missing keys are left out.
func (n *Node) GetAll(ctx context.Context, mapName string, keys [][]byte) ([]query.Entry, error) {
	n.metrics.op("get-all")
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return nil, err
	}
	groups, err := n.groupKeys(keys)
	if err != nil {
		return nil, err
	}
	var out []query.Entry
	for _, pid := range sortedPartitions(groups) {
		pc, err := n.enter(pid)
		if err != nil {
			return nil, err
		}
		st, err := pc.store(n, ms)
		if err != nil {
			pc.mu.Unlock()
			return nil, err
		}
		for _, key := range groups[pid] {
			value, found, err := st.Get(ctx, key)
			if err != nil {
				pc.mu.Unlock()
				return nil, err
			}
			if found {
				out = append(out, query.Entry{Key: key, Value: value, Partition: pid})
			}
		}
		pc.mu.Unlock()
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------
// owner is the lock owner issuing the call, empty if the caller holds no
// locks. Writes to keys locked by another owner wait for the lock.

// Put stores value under key and returns the previous value.
func (n *Node) Put(ctx context.Context, mapName string, key, value []byte, ttl time.Duration, owner string) (old []byte, existed bool, err error) {
	if err := record.ValidateValue(value); err != nil {
		return nil, false, err
	}
	err = n.mutate(ctx, "put", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		old, existed, err = st.Put(ctx, key, value, ttl)
		return written, err
	})
	return old, existed, err
}

// PutTransient is Put without writing to the map store.
func (n *Node) PutTransient(ctx context.Context, mapName string, key, value []byte, ttl time.Duration, owner string) (old []byte, existed bool, err error) {
	if err := record.ValidateValue(value); err != nil {
		return nil, false, err
	}
	err = n.mutate(ctx, "put-transient", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		old, existed = st.PutTransient(key, value, ttl)
		return written, nil
	})
	return old, existed, err
}

// Set is Put without returning the previous value.
func (n *Node) Set(ctx context.Context, mapName string, key, value []byte, ttl time.Duration, owner string) error {
	if err := record.ValidateValue(value); err != nil {
		return err
	}
	return n.mutate(ctx, "set", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		_, err := st.Set(ctx, key, value, ttl)
		return written, err
	})
}

// PutIfAbsent stores value only if key has no live record. It returns the
// current value otherwise.
func (n *Node) PutIfAbsent(ctx context.Context, mapName string, key, value []byte, ttl time.Duration, owner string) (current []byte, stored bool, err error) {
	if err := record.ValidateValue(value); err != nil {
		return nil, false, err
	}
	err = n.mutate(ctx, "put-if-absent", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		current, stored, err = st.PutIfAbsent(ctx, key, value, ttl)
		if err != nil || !stored {
			return unchanged, err
		}
		return written, nil
	})
	return current, stored, err
}

// Replace updates an existing record and returns its previous value.
func (n *Node) Replace(ctx context.Context, mapName string, key, value []byte, owner string) (old []byte, replaced bool, err error) {
	if err := record.ValidateValue(value); err != nil {
		return nil, false, err
	}
	err = n.mutate(ctx, "replace", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		old, replaced, err = st.Replace(ctx, key, value)
		if err != nil || !replaced {
			return unchanged, err
		}
		return written, nil
	})
	return old, replaced, err
}

// ReplaceIfSame updates the record only if it currently holds expected.
func (n *Node) ReplaceIfSame(ctx context.Context, mapName string, key, expected, value []byte, owner string) (replaced bool, err error) {
	if err := record.ValidateValue(value); err != nil {
		return false, err
	}
	err = n.mutate(ctx, "replace-if-same", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		replaced, err = st.ReplaceIfSame(ctx, key, expected, value)
		if err != nil || !replaced {
			return unchanged, err
		}
		return written, nil
	})
	return replaced, err
}

// Remove deletes key and returns its previous value.
func (n *Node) Remove(ctx context.Context, mapName string, key []byte, owner string) (old []byte, existed bool, err error) {
	err = n.mutate(ctx, "remove", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		old, existed, err = st.Remove(ctx, key)
		if err != nil || !existed {
			return unchanged, err
		}
		return removed, nil
	})
	return old, existed, err
}

// Delete is Remove without returning the previous value.
func (n *Node) Delete(ctx context.Context, mapName string, key []byte, owner string) (existed bool, err error) {
	err = n.mutate(ctx, "delete", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		existed, err = st.Delete(ctx, key)
		if err != nil || !existed {
			return unchanged, err
		}
		return removed, nil
	})
	return existed, err
}

// RemoveIfSame deletes key only if it currently holds expected.
func (n *Node) RemoveIfSame(ctx context.Context, mapName string, key, expected []byte, owner string) (ok bool, err error) {
	err = n.mutate(ctx, "remove-if-same", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		ok, err = st.RemoveIfSame(ctx, key, expected)
		if err != nil || !ok {
			return unchanged, err
		}
		return removed, nil
	})
	return ok, err
}

// Evict drops key from memory only. The map store keeps it.
func (n *Node) Evict(ctx context.Context, mapName string, key []byte, owner string) (ok bool, err error) {
	err = n.mutate(ctx, "evict", mapName, key, owner, func(st *recordstore.Store) (change, error) {
		if ok = st.Evict(key); !ok {
			return unchanged, nil
		}
		return evicted, nil
	})
	return ok, err
}

// TryPut is Set giving up after timeout if another owner keeps the key locked.
func (n *Node) TryPut(ctx context.Context, mapName string, key, value []byte, ttl time.Duration, owner string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := n.Set(ctx, mapName, key, value, ttl, owner)
	if errors.Is(err, lockstore.ErrLocked) {
		return false, nil
	}
	return err == nil, err
}

// TryRemove is Delete giving up after timeout if another owner keeps the key
// locked. It reports whether the call went through.
func (n *Node) TryRemove(ctx context.Context, mapName string, key []byte, owner string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := n.Delete(ctx, mapName, key, owner)
	if errors.Is(err, lockstore.ErrLocked) {
		return false, nil
	}
	return err == nil, err
}

// PutAll stores all entries. Each partition is written and replicated as one
// batch; a failed replication restores the batch and aborts the call.
// Partitions written before the failure keep their changes.
func (n *Node) PutAll(ctx context.Context, mapName string, entries []query.Entry, ttl time.Duration, owner string) error {
	n.metrics.op("put-all")
	for _, e := range entries {
		if err := record.ValidateKey(e.Key); err != nil {
			return err
		}
		if err := record.ValidateValue(e.Value); err != nil {
			return err
		}
	}
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return err
	}
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	table := n.table.Load()
	groups := make(map[int][]query.Entry)
	for _, e := range entries {
		pid := table.PartitionFor(e.Key)
		groups[pid] = append(groups[pid], e)
	}
	for _, pid := range sortedPartitions(groups) {
		if err := n.putBatch(ctx, ms, pid, groups[pid], ttl, owner); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) putBatch(ctx context.Context, ms *mapState, pid int, batch []query.Entry, ttl time.Duration, owner string) error {
	pc, err := n.enterBatch(ctx, pid, ms.name, batch, owner)
	if err != nil {
		return err
	}
	st, err := pc.store(n, ms)
	if err != nil {
		pc.mu.Unlock()
		return err
	}

	type undoEntry struct {
		key    []byte
		before *record.EntryView
	}
	var (
		undos []undoEntry
		ops   []BackupOp
		types []events.Type
	)
	rollback := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			if rerr := st.Restore(context.WithoutCancel(ctx), undos[i].key, undos[i].before); rerr != nil {
				Logger.Errorf("node %s: restoring %q failed: %v", n.local.ID, undos[i].key, rerr)
			}
		}
	}
	for _, e := range batch {
		u := undoEntry{key: e.Key}
		if prev, ok := st.GetEntryView(e.Key); ok {
			u.before = &prev
		}
		if _, existed, err := st.Put(ctx, e.Key, e.Value, ttl); err != nil {
			rollback()
			pc.mu.Unlock()
			return err
		} else if existed {
			types = append(types, events.Updated)
		} else {
			types = append(types, events.Added)
		}
		undos = append(undos, u)
		op := BackupOp{Kind: BackupRemove, Map: ms.name, Partition: pid, Key: e.Key}
		if view, ok := st.GetEntryView(e.Key); ok {
			op = BackupOp{Kind: BackupPut, Map: ms.name, Partition: pid, Key: e.Key, Entry: &view}
		}
		ops = append(ops, op)
	}
	if err := n.backup(ctx, ms, pid, ops); err != nil {
		rollback()
		var compensate []BackupOp
		for _, u := range undos {
			op := BackupOp{Kind: BackupRemove, Map: ms.name, Partition: pid, Key: u.key}
			if u.before != nil {
				op = BackupOp{Kind: BackupPut, Map: ms.name, Partition: pid, Key: u.key, Entry: u.before}
			}
			compensate = append(compensate, op)
		}
		if cerr := n.backup(context.WithoutCancel(ctx), ms, pid, compensate); cerr != nil {
			Logger.Warningf("node %s: compensating backup of %s/%d failed: %v", n.local.ID, ms.name, pid, cerr)
		}
		pc.mu.Unlock()
		return err
	}
	pc.mu.Unlock()
	for i, e := range batch {
		n.publish(types[i], ms.name, e.Key)
	}
	return nil
}

// enterBatch is enterKey for several keys of one partition.
func (n *Node) enterBatch(ctx context.Context, pid int, mapName string, batch []query.Entry, owner string) (*PartitionContainer, error) {
	for {
		pc, err := n.enter(pid)
		if err != nil {
			return nil, err
		}
		ls := pc.lockStore(mapName)
		blocked := ""
		for _, e := range batch {
			if !ls.CanAcquire(string(e.Key), owner) {
				blocked = string(e.Key)
				break
			}
		}
		if blocked == "" {
			return pc, nil
		}
		pc.mu.Unlock()
		if err := ls.Wait(ctx, blocked, owner); err != nil {
			return nil, err
		}
	}
}

// groupKeys splits keys by partition.
func (n *Node) groupKeys(keys [][]byte) (map[int][][]byte, error) {
	table := n.table.Load()
	groups := make(map[int][][]byte)
	for _, key := range keys {
		if err := record.ValidateKey(key); err != nil {
			return nil, err
		}
		pid := table.PartitionFor(key)
		groups[pid] = append(groups[pid], key)
	}
	return groups, nil
}
