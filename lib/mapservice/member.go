package mapservice

import (
	"context"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/index"
	"github.com/ValentinKolb/dMap/lib/query"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/lib/recordstore"
	"github.com/ValentinKolb/dMap/lib/util"
	"github.com/cockroachdb/errors"
)

// The operations in this file act on the partitions this node owns. A client
// sends them to every member and combines the answers.

// eachOwned runs fn inside the region of every owned partition.
func (n *Node) eachOwned(ms *mapState, fn func(pc *PartitionContainer, st *recordstore.Store) error) error {
	for _, pid := range n.ownedPartitions() {
		pc, err := n.enter(pid)
		if err != nil {
			return err
		}
		st, err := pc.store(n, ms)
		if err == nil {
			err = fn(pc, st)
		}
		pc.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Size counts the live entries of a map in the owned partitions.
func (n *Node) Size(ctx context.Context, mapName string) (int, error) {
	n.metrics.op("size")
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return 0, err
	}
	total := 0
	err = n.eachOwned(ms, func(_ *PartitionContainer, st *recordstore.Store) error {
		total += st.Size()
		return nil
	})
	return total, err
}

// ContainsValue reports whether an owned partition holds value.
func (n *Node) ContainsValue(ctx context.Context, mapName string, value []byte) (bool, error) {
	n.metrics.op("contains-value")
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return false, err
	}
	found := false
	err = n.eachOwned(ms, func(_ *PartitionContainer, st *recordstore.Store) error {
		found = found || st.ContainsValue(value)
		return nil
	})
	return found, err
}

// Clear removes every entry of the owned partitions, also from the map store.
// Keys staged by prepared transactions survive. A partition whose replication
// fails is restored and the error returned.
func (n *Node) Clear(ctx context.Context, mapName string) (int, error) {
	n.metrics.op("clear")
	return n.clearAll(ctx, mapName, true)
}

// EvictAll drops every unlocked entry of the owned partitions from memory
// only.
func (n *Node) EvictAll(ctx context.Context, mapName string) (int, error) {
	n.metrics.op("evict-all")
	return n.clearAll(ctx, mapName, false)
}

func (n *Node) clearAll(ctx context.Context, mapName string, through bool) (int, error) {
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return 0, err
	}
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	total := 0
	err = n.eachOwned(ms, func(pc *PartitionContainer, st *recordstore.Store) error {
		kept := pc.txns.StagedKeys(mapName)
		if !through {
			for _, key := range pc.lockStore(mapName).LockedKeys() {
				kept[key] = true
			}
		}
		preserve := func(key string) bool { return kept[key] }
		before := st.Snapshot()
		if len(before) == 0 {
			return nil
		}

		var count int
		if through {
			var err error
			if count, err = st.Clear(ctx, preserve); err != nil {
				n.reinstall(ctx, st, before, preserve, through)
				return err
			}
		} else {
			count = st.EvictAll(preserve)
		}

		op := BackupOp{Kind: BackupClear, Map: mapName, Partition: pc.id}
		for key := range kept {
			op.Preserve = append(op.Preserve, key)
		}
		if err := n.backup(ctx, ms, pc.id, []BackupOp{op}); err != nil {
			n.reinstall(ctx, st, before, preserve, through)
			return err
		}
		total += count
		return nil
	})
	t := events.EvictAll
	if through {
		t = events.ClearAll
	}
	if total > 0 {
		n.bus.Publish(events.Event{Type: t, Map: mapName})
	}
	return total, err
}

// reinstall puts cleared entries back. With through set the map store gets
// them back too.
func (n *Node) reinstall(ctx context.Context, st *recordstore.Store, views []record.EntryView, preserve func(string) bool, through bool) {
	ctx = context.WithoutCancel(ctx)
	for i := range views {
		if preserve(string(views[i].Key)) {
			continue
		}
		if !through {
			st.Install(views[i : i+1])
			continue
		}
		if err := st.Restore(ctx, views[i].Key, &views[i]); err != nil {
			Logger.Errorf("node %s: restoring %q of %s failed: %v", n.local.ID, views[i].Key, st.Name(), err)
		}
	}
}

// --------------------------------------------------------------------------
// Queries and indexes
// --------------------------------------------------------------------------

// Query evaluates p on the owned partitions. With a window the result is
// sorted and cut to the window before the projection it is stripped to.
// Partitions that could not be evaluated are listed in Partial.Failed.
func (n *Node) Query(ctx context.Context, mapName string, p *query.Predicate, w *query.Window, it query.IterationType) (query.Partial, error) {
	n.metrics.op("query")
	if p == nil {
		p = query.True()
	}
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return query.Partial{}, err
	}
	src := &querySource{n: n, ms: ms, partitions: n.ownedPartitions()}
	partial, err := query.NewEngine(src, n.cfg.QueryParallelism).Query(ctx, p, ms.indexes)
	if err != nil {
		return query.Partial{}, err
	}
	if w != nil {
		partial.Entries = w.Apply(partial.Entries)
	}
	partial.Entries = query.Strip(partial.Entries, it)
	return partial, nil
}

// querySource serves the owned partitions of one map to the query engine.
type querySource struct {
	n          *Node
	ms         *mapState
	partitions []int
}

func (s *querySource) Partitions() []int { return s.partitions }

func (s *querySource) PartitionFor(key []byte) int { return s.n.table.Load().PartitionFor(key) }

func (s *querySource) WithPartition(ctx context.Context, pid int, fn func(query.PartitionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pc, err := s.n.enter(pid)
	if err != nil {
		return err
	}
	defer pc.mu.Unlock()
	return fn(storeView{st: pc.existing(s.ms.name)})
}

// storeView copies records into query entries. A nil store is empty.
type storeView struct {
	st *recordstore.Store
}

func entryOf(r *record.Record) query.Entry {
	return query.Entry{
		Key:    append([]byte(nil), r.Key...),
		Value:  r.CopyValue(),
		Object: r.Object,
	}
}

func (v storeView) Get(key []byte) (query.Entry, bool) {
	if v.st == nil {
		return query.Entry{}, false
	}
	r, ok := v.st.Peek(key)
	if !ok {
		return query.Entry{}, false
	}
	return entryOf(r), true
}

func (v storeView) Range(fn func(query.Entry) bool) {
	if v.st == nil {
		return
	}
	v.st.Range(func(r *record.Record) bool {
		return fn(entryOf(r))
	})
}

// AddIndex builds an index over the map on this node and records it in the
// map definition. Queries use it once it covers every local partition.
func (n *Node) AddIndex(ctx context.Context, mapName, attribute string, ordered bool) error {
	n.metrics.op("add-index")
	if attribute == "" {
		return errors.New("add index: attribute must not be empty")
	}
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return err
	}
	if err := n.addIndex(ctx, ms, config.IndexConfig{Attribute: attribute, Ordered: ordered}); err != nil {
		return err
	}
	return n.registry.PutMap(ms.config())
}

func (n *Node) addIndex(ctx context.Context, ms *mapState, cfg config.IndexConfig) error {
	idx, created := ms.indexes.AddIndex(cfg.Attribute, cfg.Ordered)
	if !created {
		return nil
	}
	for _, pc := range n.parts {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "building index %q of %q", cfg.Attribute, ms.name)
		}
		pc.mu.Lock()
		if st := pc.existing(ms.name); st != nil {
			st.Range(func(r *record.Record) bool {
				index.Backfill(idx, string(r.Key), r)
				return true
			})
		}
		pc.mu.Unlock()
	}
	ms.indexes.MarkReady(cfg.Attribute)
	ms.mu.Lock()
	ms.cfg = ms.cfg.WithIndex(cfg)
	ms.mu.Unlock()
	Logger.Infof("node %s: index %q of %q is ready", n.local.ID, cfg.Attribute, ms.name)
	return nil
}

// --------------------------------------------------------------------------
// Map store
// --------------------------------------------------------------------------

// Flush writes every pending write-behind change of the map.
func (n *Node) Flush(ctx context.Context, mapName string) error {
	n.metrics.op("flush")
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return err
	}
	if ms.writer == nil {
		return nil
	}
	return ms.writer.Flush(ctx)
}

// LoadAll loads keys of the owned partitions from the map store. nil keys
// loads every key the store knows. Existing entries are only overwritten with
// replace set. It returns how many entries were loaded.
func (n *Node) LoadAll(ctx context.Context, mapName string, keys [][]byte, replace bool) (int, error) {
	n.metrics.op("load-all")
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return 0, err
	}
	return n.loadKeys(ctx, ms, keys, replace)
}

func (n *Node) loadKeys(ctx context.Context, ms *mapState, keys [][]byte, replace bool) (int, error) {
	if ms.writer == nil {
		return 0, nil
	}
	if keys == nil {
		var err error
		if keys, err = ms.writer.Store().LoadAllKeys(ctx); err != nil {
			return 0, errors.Wrapf(err, "map store of %q: load keys", ms.name)
		}
	}
	groups, err := n.groupKeys(keys)
	if err != nil {
		return 0, err
	}
	table := n.table.Load()
	total := 0
	for _, pid := range sortedPartitions(groups) {
		if table.OwnerOf(pid) != n.local.ID {
			continue
		}
		pc, err := n.enter(pid)
		if err != nil {
			return total, err
		}
		st, err := pc.store(n, ms)
		if err != nil {
			pc.mu.Unlock()
			return total, err
		}
		loaded, err := st.LoadAll(ctx, groups[pid], replace)
		if err != nil {
			pc.mu.Unlock()
			return total, err
		}
		var ops []BackupOp
		for _, key := range loaded {
			if view, ok := st.GetEntryView(key); ok {
				ops = append(ops, BackupOp{Kind: BackupPut, Map: ms.name, Partition: pid, Key: key, Entry: &view})
			}
		}
		if err := n.backup(ctx, ms, pid, ops); err != nil {
			Logger.Warningf("node %s: backup of loaded entries of %s/%d failed: %v", n.local.ID, ms.name, pid, err)
		}
		pc.mu.Unlock()
		for _, key := range loaded {
			n.publish(events.Added, ms.name, key)
		}
		total += len(loaded)
	}
	return total, nil
}

// --------------------------------------------------------------------------
// Lifecycle and statistics
// --------------------------------------------------------------------------

// DestroyMap drops all data, locks and the definition of a map on this node.
// Pending write-behind changes are flushed first.
func (n *Node) DestroyMap(ctx context.Context, mapName string) error {
	n.metrics.op("destroy")
	if mapName == "" {
		return ErrInvalidMapName
	}
	ms, ok := n.maps.LoadAndDelete(mapName)
	for _, pc := range n.parts {
		pc.mu.Lock()
		pc.dropMap(mapName)
		pc.mu.Unlock()
	}
	var err error
	if ok {
		if ms.writer != nil {
			err = ms.writer.Close(ctx)
		}
		ms.indexes.Clear()
		n.metrics.untrackMap(mapName)
	}
	if _, derr := n.registry.DeleteMap(mapName); derr != nil {
		err = errors.CombineErrors(err, derr)
	}
	n.bus.Publish(events.Event{Type: events.ClearAll, Map: mapName})
	Logger.Infof("node %s: destroyed map %q", n.local.ID, mapName)
	return err
}

// MapStats describes the local part of a map.
type MapStats struct {
	Map           string              `json:"map"`
	Member        string              `json:"member"`
	Entries       int                 `json:"entries"`
	HeapCost      int64               `json:"heap_cost"`
	LockedKeys    int                 `json:"locked_keys"`
	PendingWrites int                 `json:"pending_writes"`
	Partitions    []recordstore.Stats `json:"partitions"`
	// Balance is the spread of entries over the owned partitions
	Balance util.Balance `json:"balance"`
}

// MapStats returns the statistics of the owned partitions of a map.
func (n *Node) MapStats(ctx context.Context, mapName string) (MapStats, error) {
	ms, err := n.mapState(ctx, mapName)
	if err != nil {
		return MapStats{}, err
	}
	out := MapStats{Map: mapName, Member: n.local.ID}
	var counts []float64
	err = n.eachOwned(ms, func(pc *PartitionContainer, st *recordstore.Store) error {
		s := st.Stats()
		counts = append(counts, float64(s.Entries))
		out.Entries += s.Entries
		out.HeapCost += s.HeapCost
		out.LockedKeys += len(pc.lockStore(mapName).LockedKeys())
		if s.Entries > 0 {
			out.Partitions = append(out.Partitions, s)
		}
		return nil
	})
	out.Balance = util.NewBalance(counts)
	if ms.writer != nil {
		out.PendingWrites = ms.writer.Pending()
	}
	return out, err
}

// LocalEntry returns the record this node holds for key, as owner or as
// replica. It does not check ownership and never loads from the map store.
func (n *Node) LocalEntry(mapName string, key []byte) (record.EntryView, bool) {
	pc := n.parts[n.table.Load().PartitionFor(key)]
	pc.mu.Lock()
	defer pc.mu.Unlock()
	st := pc.existing(mapName)
	if st == nil {
		return record.EntryView{}, false
	}
	return st.GetEntryView(key)
}
