package recordstore

import (
	"context"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/index"
	"github.com/ValentinKolb/dMap/lib/mapstore"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/lib/util"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("recordstore")

// EvictionReason tells an eviction listener why a record disappeared without a remove call.
type EvictionReason uint8

const (
	ReasonExpired EvictionReason = iota
	ReasonEvicted
)

// Options configures a Store.
type Options struct {
	Config      config.MapConfig
	PartitionID int
	Format      record.Format    // required
	Indexes     *index.Indexes   // nil: no indexes
	Writer      *mapstore.Writer // nil: no map store
	Clock       func() time.Time // nil: wall clock
	OnEviction  func(key []byte, reason EvictionReason)
}

// Store holds the records of one (map, partition) pair.
type Store struct {
	cfg         config.MapConfig
	partitionID int
	records     *xsync.MapOf[string, *record.Record]
	format      record.Format
	indexes     *index.Indexes
	writer      *mapstore.Writer
	now         func() time.Time
	onEviction  func(key []byte, reason EvictionReason)

	estimator record.SizeEstimator
	expiry    *util.MapHeap[string] // key -> expiration instant (unix nanos)
	sizes     *util.SizeHistogram
	destroyed bool
}

// New creates an empty store.
func New(opts Options) (*Store, error) {
	if opts.Format == nil {
		return nil, errors.New("record store: format is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		cfg:         opts.Config,
		partitionID: opts.PartitionID,
		records:     xsync.NewMapOf[string, *record.Record](),
		format:      opts.Format,
		indexes:     opts.Indexes,
		writer:      opts.Writer,
		now:         opts.Clock,
		onEviction:  opts.OnEviction,
		expiry:      util.NewMapHeap[string](),
		sizes:       util.NewSizeHistogram(),
	}, nil
}

// Name returns the map name.
func (s *Store) Name() string { return s.cfg.Name }

// PartitionID returns the partition this store belongs to.
func (s *Store) PartitionID() int { return s.partitionID }

// Config returns the map configuration the store was created with.
func (s *Store) Config() config.MapConfig { return s.cfg }

// --------------------------------------------------------------------------
// Internal record lifecycle
// --------------------------------------------------------------------------

func (s *Store) resolveTTL(ttl time.Duration) time.Duration {
	if ttl == record.UseDefaultTTL {
		return s.cfg.DefaultTTL
	}
	if ttl < 0 {
		return record.NoTTL
	}
	return ttl
}

// live returns the record for key unless it is absent or expired. Expired
// records are removed on the way.
func (s *Store) live(key string, now time.Time) *record.Record {
	r, ok := s.records.Load(key)
	if !ok {
		return nil
	}
	if r.IsExpired(now) {
		s.removeRecord(key, r)
		if s.onEviction != nil {
			s.onEviction(r.Key, ReasonExpired)
		}
		return nil
	}
	return r
}

func (s *Store) scheduleExpiry(key string, r *record.Record) {
	if exp, ok := r.ExpirationTime(); ok {
		s.expiry.AddItem(key, exp.UnixNano())
	} else {
		s.expiry.RemoveByKey(key)
	}
}

func (s *Store) createRecord(key string, rawKey, value []byte, ttl time.Duration, now time.Time) *record.Record {
	r := s.format.Create(rawKey, value, s.resolveTTL(ttl), now)
	s.records.Store(key, r)
	s.estimator.Add(r.Cost())
	s.sizes.AddSample(len(value))
	s.scheduleExpiry(key, r)
	if s.indexes != nil && !s.indexes.Empty() {
		s.indexes.SaveEntry(key, nil, r)
	}
	return r
}

func (s *Store) updateRecord(key string, r *record.Record, value []byte, ttl time.Duration, now time.Time) {
	var old *index.Snapshot
	hasIndexes := s.indexes != nil && !s.indexes.Empty()
	if hasIndexes {
		old = index.SnapshotOf(r)
	}
	s.estimator.Add(s.format.Update(r, value, now))
	r.TTL = s.resolveTTL(ttl)
	s.sizes.AddSample(len(value))
	s.scheduleExpiry(key, r)
	if hasIndexes {
		s.indexes.SaveEntry(key, old, r)
	}
}

// removeRecord drops a record: index entries first, then the memory.
func (s *Store) removeRecord(key string, r *record.Record) {
	if s.indexes != nil && !s.indexes.Empty() {
		s.indexes.RemoveEntry(key, r)
	}
	s.records.Delete(key)
	s.expiry.RemoveByKey(key)
	s.estimator.Add(-r.Cost())
	s.format.Release(r)
}

func (s *Store) storeThrough(ctx context.Context, key, value []byte) error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Put(ctx, key, value)
}

func (s *Store) deleteThrough(ctx context.Context, key []byte) error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Delete(ctx, key)
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

// Get returns a copy of the value and touches the access metadata. On a miss
// with a map store configured the value is loaded and inserted (without
// writing it back to the store).
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	now := s.now()
	k := string(key)
	if r := s.live(k, now); r != nil {
		r.OnAccess(now)
		return r.CopyValue(), true, nil
	}
	if s.writer == nil {
		return nil, false, nil
	}
	value, ok, err := s.writer.Load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	s.createRecord(k, key, value, record.UseDefaultTTL, now)
	return append([]byte(nil), value...), true, nil
}

// Peek returns the live record without touching it. The record must not be
// retained outside the single-writer region.
func (s *Store) Peek(key []byte) (*record.Record, bool) {
	r := s.live(string(key), s.now())
	return r, r != nil
}

// GetEntryView returns a snapshot of the record with its metadata.
func (s *Store) GetEntryView(key []byte) (record.EntryView, bool) {
	r, ok := s.Peek(key)
	if !ok {
		return record.EntryView{}, false
	}
	return r.View(), true
}

// ContainsKey reports whether a live record exists. Like Get it consults the map store on a miss.
func (s *Store) ContainsKey(ctx context.Context, key []byte) (bool, error) {
	if _, ok := s.Peek(key); ok {
		return true, nil
	}
	if s.writer == nil {
		return false, nil
	}
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// ContainsValue reports whether any live record holds value.
func (s *Store) ContainsValue(value []byte) bool {
	found := false
	s.Range(func(r *record.Record) bool {
		found = s.format.Equal(r, value)
		return !found
	})
	return found
}

// Range calls fn for every live record until fn returns false. Expired records
// found on the way are removed after the iteration.
func (s *Store) Range(fn func(r *record.Record) bool) {
	now := s.now()
	var expired []string
	s.records.Range(func(key string, r *record.Record) bool {
		if r.IsExpired(now) {
			expired = append(expired, key)
			return true
		}
		return fn(r)
	})
	for _, key := range expired {
		s.live(key, now)
	}
}

// Keys returns copies of all live keys.
func (s *Store) Keys() [][]byte {
	var keys [][]byte
	s.Range(func(r *record.Record) bool {
		keys = append(keys, append([]byte(nil), r.Key...))
		return true
	})
	return keys
}

// Size returns the number of live records.
func (s *Store) Size() int {
	s.SweepExpired(-1)
	return s.records.Size()
}

// EntryCount returns the number of stored records including expired ones not
// yet removed.
//
// Thread-safety: safe to call outside the single-writer region.
func (s *Store) EntryCount() int {
	return s.records.Size()
}

// HeapCost returns the estimated memory used by the records.
//
// Thread-safety: safe to call outside the single-writer region.
func (s *Store) HeapCost() int64 {
	return s.estimator.Size()
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Put creates or replaces the record and returns the previous value.
func (s *Store) Put(ctx context.Context, key, value []byte, ttl time.Duration) (old []byte, existed bool, err error) {
	if err := s.storeThrough(ctx, key, value); err != nil {
		return nil, false, err
	}
	old, existed = s.putInMemory(key, value, ttl)
	return old, existed, nil
}

// PutTransient is Put without the map store call.
func (s *Store) PutTransient(key, value []byte, ttl time.Duration) (old []byte, existed bool) {
	return s.putInMemory(key, value, ttl)
}

func (s *Store) putInMemory(key, value []byte, ttl time.Duration) ([]byte, bool) {
	now := s.now()
	k := string(key)
	if r := s.live(k, now); r != nil {
		old := r.CopyValue()
		s.updateRecord(k, r, value, ttl, now)
		return old, true
	}
	s.createRecord(k, key, value, ttl, now)
	return nil, false
}

// Set is Put without returning the previous value.
func (s *Store) Set(ctx context.Context, key, value []byte, ttl time.Duration) (existed bool, err error) {
	_, existed, err = s.Put(ctx, key, value, ttl)
	return existed, err
}

// PutIfAbsent stores the value only if no live record exists and returns the
// current value otherwise.
func (s *Store) PutIfAbsent(ctx context.Context, key, value []byte, ttl time.Duration) (current []byte, stored bool, err error) {
	if r, ok := s.Peek(key); ok {
		return r.CopyValue(), false, nil
	}
	if err := s.storeThrough(ctx, key, value); err != nil {
		return nil, false, err
	}
	s.createRecord(string(key), key, value, ttl, s.now())
	return nil, true, nil
}

// Replace updates an existing record only and returns the previous value.
func (s *Store) Replace(ctx context.Context, key, value []byte) (old []byte, replaced bool, err error) {
	r, ok := s.Peek(key)
	if !ok {
		return nil, false, nil
	}
	if err := s.storeThrough(ctx, key, value); err != nil {
		return nil, false, err
	}
	old = r.CopyValue()
	s.updateRecord(string(key), r, value, r.TTL, s.now())
	return old, true, nil
}

// ReplaceIfSame updates the record only if its value equals expected.
func (s *Store) ReplaceIfSame(ctx context.Context, key, expected, value []byte) (bool, error) {
	r, ok := s.Peek(key)
	if !ok || !s.format.Equal(r, expected) {
		return false, nil
	}
	if err := s.storeThrough(ctx, key, value); err != nil {
		return false, err
	}
	s.updateRecord(string(key), r, value, r.TTL, s.now())
	return true, nil
}

// Remove deletes the record and returns its value.
func (s *Store) Remove(ctx context.Context, key []byte) (old []byte, existed bool, err error) {
	k := string(key)
	r := s.live(k, s.now())
	if err := s.deleteThrough(ctx, key); err != nil {
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	old = r.CopyValue()
	s.removeRecord(k, r)
	return old, true, nil
}

// Delete is Remove without returning the previous value.
func (s *Store) Delete(ctx context.Context, key []byte) (existed bool, err error) {
	_, existed, err = s.Remove(ctx, key)
	return existed, err
}

// RemoveIfSame deletes the record only if its value equals expected.
func (s *Store) RemoveIfSame(ctx context.Context, key, expected []byte) (bool, error) {
	r, ok := s.Peek(key)
	if !ok || !s.format.Equal(r, expected) {
		return false, nil
	}
	if err := s.deleteThrough(ctx, key); err != nil {
		return false, err
	}
	s.removeRecord(string(key), r)
	return true, nil
}

// Evict removes the record without a map store call. Evicting an absent key is a no-op.
func (s *Store) Evict(key []byte) bool {
	k := string(key)
	r := s.live(k, s.now())
	if r == nil {
		return false
	}
	s.removeRecord(k, r)
	return true
}

// EvictAll removes every record not preserved, without map store calls.
func (s *Store) EvictAll(preserve func(key string) bool) int {
	return len(s.clearRecords(preserve))
}

// Clear removes every record not preserved and deletes them from the map store.
func (s *Store) Clear(ctx context.Context, preserve func(key string) bool) (int, error) {
	removed := s.clearRecords(preserve)
	if s.writer != nil && len(removed) > 0 {
		for _, key := range removed {
			if err := s.writer.Delete(ctx, key); err != nil {
				return len(removed), err
			}
		}
	}
	return len(removed), nil
}

// clearRecords implements bulk removal: index entries and expiry first, then
// the format specific clear, then a fresh estimator for the preserved rest.
func (s *Store) clearRecords(preserve func(key string) bool) [][]byte {
	var removedKeys [][]byte
	hasIndexes := s.indexes != nil && !s.indexes.Empty()
	s.records.Range(func(key string, r *record.Record) bool {
		if preserve != nil && preserve(key) {
			return true
		}
		if hasIndexes {
			s.indexes.RemoveEntry(key, r)
		}
		s.expiry.RemoveByKey(key)
		removedKeys = append(removedKeys, r.Key)
		return true
	})

	s.format.Clear(recordsView{s.records}, preserve)

	s.estimator.Reset()
	s.records.Range(func(_ string, r *record.Record) bool {
		s.estimator.Add(r.Cost())
		return true
	})
	return removedKeys
}

// SweepExpired removes up to max expired records (all for max < 0) and
// returns how many were removed.
func (s *Store) SweepExpired(max int) int {
	now := s.now().UnixNano()
	removed := 0
	for max < 0 || removed < max {
		next, ok := s.expiry.Peek()
		if !ok || next.Priority > now {
			break
		}
		key := next.Key
		s.expiry.PopItem()
		if r, ok := s.records.Load(key); ok && r.IsExpired(time.Unix(0, now)) {
			s.removeRecord(key, r)
			if s.onEviction != nil {
				s.onEviction(r.Key, ReasonExpired)
			}
			removed++
		}
	}
	return removed
}

// --------------------------------------------------------------------------
// Undo, migration and loading
// --------------------------------------------------------------------------

// Restore puts a key back into the state captured by prev (nil: absent). It is
// used to undo a mutation whose replication failed and compensates the map store.
func (s *Store) Restore(ctx context.Context, key []byte, prev *record.EntryView) error {
	k := string(key)
	now := s.now()
	current := s.live(k, now)
	if prev == nil {
		if current != nil {
			s.removeRecord(k, current)
		}
		return s.deleteThrough(ctx, key)
	}
	if current != nil {
		s.updateRecord(k, current, prev.Value, prev.TTL, now)
		current.LastUpdateTime = prev.LastUpdateTime
		current.Version = prev.Version
		s.scheduleExpiry(k, current)
	} else {
		s.installOne(*prev)
	}
	return s.storeThrough(ctx, key, prev.Value)
}

// Snapshot returns views of all live records, used to migrate or re-sync a partition.
func (s *Store) Snapshot() []record.EntryView {
	var out []record.EntryView
	s.Range(func(r *record.Record) bool {
		out = append(out, r.View())
		return true
	})
	return out
}

// Install inserts migrated records with their metadata, replacing existing keys.
func (s *Store) Install(views []record.EntryView) {
	for _, v := range views {
		s.installOne(v)
	}
}

func (s *Store) installOne(v record.EntryView) {
	k := string(v.Key)
	if existing, ok := s.records.Load(k); ok {
		s.removeRecord(k, existing)
	}
	r := s.createRecord(k, v.Key, v.Value, v.TTL, v.LastUpdateTime)
	r.CreationTime = v.CreationTime
	r.LastAccessTime = v.LastAccessTime
	r.Version = v.Version
	r.Hits = v.Hits
}

// LoadAll loads keys from the map store. Existing records are only
// overwritten when replace is set. It returns the keys that were loaded.
func (s *Store) LoadAll(ctx context.Context, keys [][]byte, replace bool) ([][]byte, error) {
	if s.writer == nil {
		return nil, nil
	}
	var wanted [][]byte
	for _, k := range keys {
		if _, ok := s.Peek(k); ok && !replace {
			continue
		}
		wanted = append(wanted, k)
	}
	if len(wanted) == 0 {
		return nil, nil
	}
	loaded, err := s.writer.Store().LoadAll(ctx, wanted)
	if err != nil {
		return nil, errors.Wrapf(err, "map store: load %d keys", len(wanted))
	}
	var out [][]byte
	for _, k := range wanted {
		if v, ok := loaded[string(k)]; ok {
			s.putInMemory(k, v, record.UseDefaultTTL)
			out = append(out, k)
		}
	}
	return out, nil
}

// Destroy releases every record. The store must not be used afterwards.
func (s *Store) Destroy() {
	if s.destroyed {
		return
	}
	s.clearRecords(nil)
	s.estimator.Reset()
	s.sizes.Reset()
	s.destroyed = true
	Logger.Debugf("destroyed record store %s/%d", s.cfg.Name, s.partitionID)
}

// Stats describes the store.
type Stats struct {
	Map          string `json:"map"`
	Partition    int    `json:"partition"`
	Entries      int    `json:"entries"`
	HeapCost     int64  `json:"heap_cost"`
	AvgValueSize int    `json:"avg_value_size"`
	P90ValueSize int    `json:"p90_value_size"`
	Pending      int    `json:"pending_expiries"`
}

// Stats returns the current statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Map:          s.cfg.Name,
		Partition:    s.partitionID,
		Entries:      s.records.Size(),
		HeapCost:     s.estimator.Size(),
		AvgValueSize: s.sizes.AverageSize(),
		P90ValueSize: s.sizes.GetPercentileEstimate(90),
		Pending:      s.expiry.Len(),
	}
}

// --------------------------------------------------------------------------
// Records adapter
// --------------------------------------------------------------------------

// recordsView exposes the record container to a record.Format.
type recordsView struct {
	m *xsync.MapOf[string, *record.Record]
}

func (v recordsView) Range(f func(string, *record.Record) bool) { v.m.Range(f) }
func (v recordsView) Delete(key string)                         { v.m.Delete(key) }
func (v recordsView) Store(key string, r *record.Record)        { v.m.Store(key, r) }
func (v recordsView) Clear()                                    { v.m.Clear() }
