package index

import (
	"sort"
	"sync"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/record"
)

// Indexes is the index set of one map.
//
// Thread-safety: all methods are safe for concurrent use. Partition writers call
// SaveEntry/RemoveEntry concurrently, the query engine reads at the same time.
type Indexes struct {
	mu      sync.RWMutex
	byAttr  map[string]Index
	ready   map[string]bool
	ordered []string // sorted attribute names, rebuilt on AddIndex
}

// NewIndexes creates the index set for the configured indexes. Indexes created
// from configuration are ready at once, the map is empty at that point.
func NewIndexes(configs []config.IndexConfig) *Indexes {
	s := &Indexes{
		byAttr: make(map[string]Index),
		ready:  make(map[string]bool),
	}
	for _, c := range configs {
		s.AddIndex(c.Attribute, c.Ordered)
		s.MarkReady(c.Attribute)
	}
	return s
}

// AddIndex creates an index unless one exists on the attribute. The returned
// index is not offered to queries until MarkReady.
func (s *Indexes) AddIndex(attribute string, ordered bool) (idx Index, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byAttr[attribute]; ok {
		return existing, false
	}
	if ordered {
		idx = NewOrdered(attribute)
	} else {
		idx = NewUnordered(attribute)
	}
	s.byAttr[attribute] = idx
	s.ordered = append(s.ordered, attribute)
	sort.Strings(s.ordered)
	return idx, true
}

// MarkReady makes an index visible to the query optimizer.
func (s *Indexes) MarkReady(attribute string) {
	s.mu.Lock()
	if _, ok := s.byAttr[attribute]; ok {
		s.ready[attribute] = true
	}
	s.mu.Unlock()
}

// Index returns the ready index on attribute, or nil.
func (s *Indexes) Index(attribute string) Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready[attribute] {
		return nil
	}
	return s.byAttr[attribute]
}

// Attributes returns all indexed attributes (ready or building) in sorted order.
func (s *Indexes) Attributes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.ordered...)
}

// Empty reports whether no index exists, the record store skips all index work then.
func (s *Indexes) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAttr) == 0
}

func (s *Indexes) all() []Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Index, 0, len(s.byAttr))
	for _, attr := range s.ordered {
		out = append(out, s.byAttr[attr])
	}
	return out
}

// ----------------------------------------------------------------------------
// Record store hooks
// ----------------------------------------------------------------------------

// SaveEntry moves the index entries of a key from the old record state to the
// new one. old is nil for inserts. Both states are passed as raw parts because
// a record may be updated in place between the two calls.
func (s *Indexes) SaveEntry(key string, old *Snapshot, current *record.Record) {
	for _, idx := range s.all() {
		attr := idx.Attribute()
		if old != nil {
			if v, ok := Extract(old.Key, old.Value, old.Object, attr); ok {
				idx.Remove(key, v)
			}
		}
		if v, ok := Extract(current.Key, current.Value, current.Object, attr); ok {
			idx.Add(key, v)
		}
	}
}

// RemoveEntry drops every index entry of a record.
func (s *Indexes) RemoveEntry(key string, r *record.Record) {
	for _, idx := range s.all() {
		if v, ok := Extract(r.Key, r.Value, r.Object, idx.Attribute()); ok {
			idx.Remove(key, v)
		}
	}
}

// Backfill indexes one record into a single index (used while building).
func Backfill(idx Index, key string, r *record.Record) {
	if v, ok := Extract(r.Key, r.Value, r.Object, idx.Attribute()); ok {
		idx.Add(key, v)
	}
}

// Clear empties every index, used when the whole map is cleared or destroyed.
func (s *Indexes) Clear() {
	for _, idx := range s.all() {
		idx.Clear()
	}
}

// Snapshot captures the parts of a record needed to remove its old index entries.
type Snapshot struct {
	Key    []byte
	Value  []byte
	Object any
}

// SnapshotOf copies the index relevant state of r.
func SnapshotOf(r *record.Record) *Snapshot {
	return &Snapshot{Key: r.Key, Value: r.CopyValue(), Object: r.Object}
}
