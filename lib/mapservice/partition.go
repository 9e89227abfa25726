package mapservice

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dMap/lib/lockstore"
	"github.com/ValentinKolb/dMap/lib/recordstore"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/puzpuzpuz/xsync/v3"
)

// PartitionContainer holds everything one partition stores on this node:
// a record store per map, the key locks per map and the transaction logs.
//
// Thread-safety: mu is the partition region. Record stores are only touched
// while it is held; locks and txns are safe on their own.
type PartitionContainer struct {
	id         int
	mu         sync.Mutex
	stores     map[string]*recordstore.Store
	locks      *xsync.MapOf[string, lockstore.ILockStore]
	txns       *txn.Container
	awaitUntil time.Time // data of an incoming migration is expected until then
	now        func() time.Time
}

func newPartitionContainer(id int, retention time.Duration, now func() time.Time) *PartitionContainer {
	return &PartitionContainer{
		id:     id,
		stores: make(map[string]*recordstore.Store),
		locks:  xsync.NewMapOf[string, lockstore.ILockStore](),
		txns:   txn.NewContainer(retention, now),
		now:    now,
	}
}

// ID returns the partition id.
func (pc *PartitionContainer) ID() int { return pc.id }

// store returns the record store of a map, creating it on first use.
// pc.mu must be held.
func (pc *PartitionContainer) store(n *Node, ms *mapState) (*recordstore.Store, error) {
	if st, ok := pc.stores[ms.name]; ok {
		return st, nil
	}
	st, err := recordstore.New(recordstore.Options{
		Config:      ms.config(),
		PartitionID: pc.id,
		Format:      ms.format,
		Indexes:     ms.indexes,
		Writer:      ms.writer,
		Clock:       pc.now,
		OnEviction:  n.evictionListener(ms.name, pc.id),
	})
	if err != nil {
		return nil, err
	}
	pc.stores[ms.name] = st
	return st, nil
}

// existing returns the store of a map without creating it. pc.mu must be held.
func (pc *PartitionContainer) existing(name string) *recordstore.Store {
	return pc.stores[name]
}

// peekStore returns the store of a map for thread-safe counters only.
func (pc *PartitionContainer) peekStore(name string) *recordstore.Store {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.stores[name]
}

// mapNames returns the maps with a store in this partition. pc.mu must be held.
func (pc *PartitionContainer) mapNames() []string {
	names := make([]string, 0, len(pc.stores))
	for name := range pc.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lockStore returns the key locks of a map.
func (pc *PartitionContainer) lockStore(mapName string) lockstore.ILockStore {
	ls, _ := pc.locks.LoadOrCompute(mapName, func() lockstore.ILockStore {
		return lockstore.New(pc.now)
	})
	return ls
}

// dropMap destroys the store and locks of a map. pc.mu must be held.
func (pc *PartitionContainer) dropMap(name string) {
	if st, ok := pc.stores[name]; ok {
		st.Destroy()
		delete(pc.stores, name)
	}
	if ls, ok := pc.locks.LoadAndDelete(name); ok {
		ls.Clear()
	}
}

// reset destroys all data of the partition. pc.mu must be held.
func (pc *PartitionContainer) reset() {
	for name := range pc.stores {
		pc.dropMap(name)
	}
	pc.locks.Range(func(_ string, ls lockstore.ILockStore) bool {
		ls.Clear()
		return true
	})
	pc.locks.Clear()
}

// sortedPartitions returns the partition ids of a grouping in ascending order.
func sortedPartitions[V any](groups map[int]V) []int {
	return slices.Sorted(maps.Keys(groups))
}
