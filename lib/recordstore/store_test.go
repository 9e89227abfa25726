package recordstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/index"
	"github.com/ValentinKolb/dMap/lib/mapstore"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *Store
	clock   *clock
	indexes *index.Indexes
	arena   *record.Arena
	evicted []string
}

func newFixture(t *testing.T, mutate func(*config.MapConfig), writer *mapstore.Writer) *fixture {
	t.Helper()
	cfg := config.DefaultMapConfig("orders")
	cfg.Indexes = []config.IndexConfig{{Attribute: "city"}, {Attribute: "age", Ordered: true}}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{clock: &clock{now: time.Unix(1_000, 0)}, arena: record.NewArena()}
	format, err := record.NewFormat(cfg.InMemoryFormat, f.arena)
	require.NoError(t, err)
	f.indexes = index.NewIndexes(cfg.Indexes)
	f.store, err = New(Options{
		Config:      cfg,
		PartitionID: 7,
		Format:      format,
		Indexes:     f.indexes,
		Writer:      writer,
		Clock:       f.clock.Now,
		OnEviction:  func(key []byte, _ EvictionReason) { f.evicted = append(f.evicted, string(key)) },
	})
	require.NoError(t, err)
	return f
}

func formats() []config.InMemoryFormat {
	return []config.InMemoryFormat{config.FormatBinary, config.FormatObject, config.FormatNative}
}

var ctx = context.Background()

func TestCRUD(t *testing.T) {
	for _, format := range formats() {
		t.Run(string(format), func(t *testing.T) {
			s := newFixture(t, func(c *config.MapConfig) { c.InMemoryFormat = format }, nil).store

			v, ok, err := s.Get(ctx, []byte("a"))
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, v)

			old, existed, err := s.Put(ctx, []byte("a"), []byte("1"), record.UseDefaultTTL)
			require.NoError(t, err)
			assert.False(t, existed)
			assert.Nil(t, old)

			old, existed, _ = s.Put(ctx, []byte("a"), []byte("2"), record.UseDefaultTTL)
			assert.True(t, existed)
			assert.Equal(t, []byte("1"), old)

			v, ok, _ = s.Get(ctx, []byte("a"))
			assert.True(t, ok)
			assert.Equal(t, []byte("2"), v)

			current, stored, _ := s.PutIfAbsent(ctx, []byte("a"), []byte("3"), record.UseDefaultTTL)
			assert.False(t, stored)
			assert.Equal(t, []byte("2"), current)

			_, replaced, _ := s.Replace(ctx, []byte("missing"), []byte("x"))
			assert.False(t, replaced)
			_, ok = s.Peek([]byte("missing"))
			assert.False(t, ok, "replace must not create")

			old, existed, _ = s.Remove(ctx, []byte("a"))
			assert.True(t, existed)
			assert.Equal(t, []byte("2"), old)
			ok, _ = s.ContainsKey(ctx, []byte("a"))
			assert.False(t, ok)
			assert.Equal(t, 0, s.Size())
			assert.Equal(t, int64(0), s.HeapCost())
		})
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := newFixture(t, nil, nil).store
	s.Put(ctx, []byte("k"), []byte(`{"v":1}`), record.UseDefaultTTL)

	ok, _ := s.RemoveIfSame(ctx, []byte("k"), []byte(`{"v": 1}`))
	assert.False(t, ok, "comparison is by serialized bytes")
	_, present := s.Peek([]byte("k"))
	assert.True(t, present)

	ok, _ = s.ReplaceIfSame(ctx, []byte("k"), []byte(`{"v":2}`), []byte(`{"v":3}`))
	assert.False(t, ok)
	ok, _ = s.ReplaceIfSame(ctx, []byte("k"), []byte(`{"v":1}`), []byte(`{"v":3}`))
	assert.True(t, ok)

	ok, _ = s.RemoveIfSame(ctx, []byte("k"), []byte(`{"v":3}`))
	assert.True(t, ok)
	_, present = s.Peek([]byte("k"))
	assert.False(t, present)

	ok, _ = s.RemoveIfSame(ctx, []byte("k"), []byte(`{"v":3}`))
	assert.False(t, ok, "absent key is a plain false")
}

func TestTTLExpiresWithoutSweep(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.store
	s.Put(ctx, []byte("short"), []byte(`{"city":"oslo"}`), time.Second)
	s.Put(ctx, []byte("long"), []byte(`{"city":"oslo"}`), time.Hour)
	s.Put(ctx, []byte("forever"), []byte(`{"city":"oslo"}`), record.NoTTL)

	f.clock.Advance(999 * time.Millisecond)
	_, ok, _ := s.Get(ctx, []byte("short"))
	assert.True(t, ok)

	f.clock.Advance(time.Millisecond)
	_, ok, _ = s.Get(ctx, []byte("short"))
	assert.False(t, ok, "expired at insert time + ttl")
	assert.False(t, s.ContainsValue([]byte("nope")))
	assert.ElementsMatch(t, []string{"long", "forever"}, keysOf(s))
	assert.Equal(t, []string{"short"}, f.evicted)
	assert.ElementsMatch(t, []string{"long", "forever"}, f.indexes.Index("city").Equal(index.String("oslo")))
}

func TestUpdateResetsTTLClock(t *testing.T) {
	f := newFixture(t, func(c *config.MapConfig) { c.DefaultTTL = 10 * time.Second }, nil)
	f.store.Put(ctx, []byte("k"), []byte("1"), record.UseDefaultTTL)
	f.clock.Advance(8 * time.Second)
	f.store.Put(ctx, []byte("k"), []byte("2"), record.UseDefaultTTL)
	f.clock.Advance(8 * time.Second)

	v, ok, _ := f.store.Get(ctx, []byte("k"))
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), v)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, func(c *config.MapConfig) { c.InMemoryFormat = config.FormatNative }, nil)
	for i := 0; i < 10; i++ {
		f.store.Put(ctx, []byte(fmt.Sprintf("k%d", i)), []byte(`{"age":1}`), time.Duration(i+1)*time.Second)
	}
	f.clock.Advance(5 * time.Second)

	assert.Equal(t, 2, f.store.SweepExpired(2))
	assert.Equal(t, 3, f.store.SweepExpired(-1))
	assert.Equal(t, 0, f.store.SweepExpired(-1))
	assert.Equal(t, 5, f.store.EntryCount())
	assert.Equal(t, 5, f.indexes.Index("age").Len())
	assert.Len(t, f.evicted, 5)

	f.store.Destroy()
	assert.Equal(t, int64(0), f.arena.InUse(), "native memory must be released")
}

func TestClearPreservesAndReaccounts(t *testing.T) {
	for _, format := range formats() {
		t.Run(string(format), func(t *testing.T) {
			f := newFixture(t, func(c *config.MapConfig) { c.InMemoryFormat = format }, nil)
			s := f.store
			for i := 0; i < 20; i++ {
				s.Put(ctx, []byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf(`{"city":"c%d","age":%d}`, i%3, i)), time.Hour)
			}
			keep := map[string]bool{"k03": true, "k11": true}
			var keptCost int64
			for k := range keep {
				r, _ := s.Peek([]byte(k))
				keptCost += r.Cost()
			}

			n, err := s.Clear(ctx, func(k string) bool { return keep[k] })
			require.NoError(t, err)
			assert.Equal(t, 18, n)
			assert.ElementsMatch(t, []string{"k03", "k11"}, keysOf(s))
			assert.Equal(t, keptCost, s.HeapCost())
			assert.Equal(t, 2, f.indexes.Index("age").Len())
			assert.Equal(t, 2, s.Stats().Pending)

			v, ok, _ := s.Get(ctx, []byte("k11"))
			assert.True(t, ok)
			assert.JSONEq(t, `{"city":"c2","age":11}`, string(v))

			assert.Equal(t, 2, s.EvictAll(nil))
			assert.Equal(t, int64(0), s.HeapCost())
			if format == config.FormatNative {
				assert.Equal(t, int64(0), f.arena.InUse())
			}
		})
	}
}

func TestHeapCostFollowsMutations(t *testing.T) {
	s := newFixture(t, nil, nil).store
	s.Put(ctx, []byte("a"), []byte("short"), record.UseDefaultTTL)
	small := s.HeapCost()
	s.Put(ctx, []byte("a"), []byte("a considerably longer value"), record.UseDefaultTTL)
	assert.Greater(t, s.HeapCost(), small)
	s.Put(ctx, []byte("b"), []byte("x"), record.UseDefaultTTL)

	var sum int64
	s.Range(func(r *record.Record) bool { sum += r.Cost(); return true })
	assert.Equal(t, sum, s.HeapCost())

	s.Evict([]byte("a"))
	s.Delete(ctx, []byte("b"))
	assert.Equal(t, int64(0), s.HeapCost())
}

// TestIndexMatchesFullScan applies random mutations and checks after every
// step that each index answers exactly what a full scan answers.
func TestIndexMatchesFullScan(t *testing.T) {
	f := newFixture(t, func(c *config.MapConfig) { c.InMemoryFormat = config.FormatObject }, nil)
	s := f.store
	rng := rand.New(rand.NewSource(42))
	cities := []string{"oslo", "rome", "lima"}

	for step := 0; step < 500; step++ {
		key := []byte(fmt.Sprintf("k%d", rng.Intn(30)))
		value := []byte(fmt.Sprintf(`{"city":%q,"age":%d}`, cities[rng.Intn(3)], rng.Intn(10)))
		switch rng.Intn(7) {
		case 0, 1:
			s.Put(ctx, key, value, time.Duration(rng.Intn(5000))*time.Millisecond)
		case 2:
			s.Set(ctx, key, value, record.NoTTL)
		case 3:
			s.Remove(ctx, key)
		case 4:
			s.Replace(ctx, key, value)
		case 5:
			s.Evict(key)
		case 6:
			f.clock.Advance(300 * time.Millisecond)
		}

		for _, city := range cities {
			want := scan(s, func(v index.Value) bool { return v == index.String(city) }, "city")
			got := liveOnly(s, f.indexes.Index("city").Equal(index.String(city)))
			require.Equal(t, want, got, "step %d city %s", step, city)
		}
		want := scan(s, func(v index.Value) bool { return v.Num >= 3 && v.Num < 7 }, "age")
		got := liveOnly(s, f.indexes.Index("age").Range(&index.Bound{Value: index.Number(3), Inclusive: true}, &index.Bound{Value: index.Number(7)}))
		require.Equal(t, want, got, "step %d age range", step)
	}
}

func TestMapStoreIntegration(t *testing.T) {
	backing := mapstore.NewMemoryStore()
	backing.Store(ctx, []byte("persisted"), []byte("from-db"))
	writer := mapstore.NewWriter(backing, config.MapStoreConfig{Enabled: true}, time.Second)
	f := newFixture(t, nil, writer)
	s := f.store

	v, ok, err := s.Get(ctx, []byte("persisted"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("from-db"), v)
	assert.Equal(t, 1, s.Size(), "loaded value is cached")

	s.Put(ctx, []byte("a"), []byte("1"), record.UseDefaultTTL)
	assert.Equal(t, []byte("1"), backing.Snapshot()["a"])

	s.Evict([]byte("a"))
	assert.Contains(t, backing.Snapshot(), "a", "evict must not delete from the store")
	s.Remove(ctx, []byte("a"))
	assert.NotContains(t, backing.Snapshot(), "a")

	boom := errors.New("db down")
	backing.FailWith(boom)
	_, _, err = s.Put(ctx, []byte("b"), []byte("1"), record.UseDefaultTTL)
	assert.ErrorIs(t, err, boom)
	backing.FailWith(nil)
	_, ok = s.Peek([]byte("b"))
	assert.False(t, ok, "failed write-through must not change memory")

	backing.Store(ctx, []byte("x"), []byte("1"))
	backing.Store(ctx, []byte("y"), []byte("2"))
	s.PutTransient([]byte("x"), []byte("stale"), record.NoTTL)
	loaded, err := s.LoadAll(ctx, [][]byte{[]byte("x"), []byte("y"), []byte("z")}, false)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("y")}, loaded)
	v, _, _ = s.Get(ctx, []byte("x"))
	assert.Equal(t, []byte("stale"), v)

	loaded, _ = s.LoadAll(ctx, [][]byte{[]byte("x")}, true)
	assert.Len(t, loaded, 1)
	v, _, _ = s.Get(ctx, []byte("x"))
	assert.Equal(t, []byte("1"), v)
}

func TestRestoreUndoesMutation(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.store
	s.Put(ctx, []byte("k"), []byte(`{"city":"oslo"}`), time.Minute)
	prev, _ := s.GetEntryView([]byte("k"))

	s.Put(ctx, []byte("k"), []byte(`{"city":"rome"}`), record.NoTTL)
	require.NoError(t, s.Restore(ctx, []byte("k"), &prev))
	view, ok := s.GetEntryView([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, prev.Value, view.Value)
	assert.Equal(t, prev.Version, view.Version)
	assert.Equal(t, time.Minute, view.TTL)
	assert.Equal(t, []string{"k"}, f.indexes.Index("city").Equal(index.String("oslo")))
	assert.Empty(t, f.indexes.Index("city").Equal(index.String("rome")))

	s.Put(ctx, []byte("new"), []byte("1"), record.NoTTL)
	require.NoError(t, s.Restore(ctx, []byte("new"), nil))
	_, ok = s.Peek([]byte("new"))
	assert.False(t, ok)

	s.Remove(ctx, []byte("k"))
	require.NoError(t, s.Restore(ctx, []byte("k"), &prev))
	_, ok = s.Peek([]byte("k"))
	assert.True(t, ok)
}

func TestSnapshotInstall(t *testing.T) {
	src := newFixture(t, nil, nil)
	src.store.Put(ctx, []byte("a"), []byte(`{"city":"oslo"}`), time.Minute)
	src.store.Put(ctx, []byte("b"), []byte(`{"city":"rome"}`), record.NoTTL)
	src.store.Get(ctx, []byte("a"))
	snap := src.store.Snapshot()

	dst := newFixture(t, func(c *config.MapConfig) { c.InMemoryFormat = config.FormatNative }, nil)
	dst.store.Put(ctx, []byte("a"), []byte("old"), record.NoTTL)
	dst.store.Install(snap)

	assert.Equal(t, 2, dst.store.Size())
	view, _ := dst.store.GetEntryView([]byte("a"))
	assert.Equal(t, int64(1), view.Hits)
	assert.Equal(t, time.Minute, view.TTL)
	assert.Equal(t, []string{"a"}, dst.indexes.Index("city").Equal(index.String("oslo")))

	dst.clock.Advance(time.Minute)
	assert.Equal(t, 1, dst.store.SweepExpired(-1))
}

// ----------------------------------------------------------------------------
// Helper functions
// ----------------------------------------------------------------------------

func keysOf(s *Store) []string {
	var out []string
	for _, k := range s.Keys() {
		out = append(out, string(k))
	}
	return out
}

func scan(s *Store, match func(index.Value) bool, attr string) []string {
	var out []string
	s.Range(func(r *record.Record) bool {
		if v, ok := index.Extract(r.Key, r.Value, r.Object, attr); ok && match(v) {
			out = append(out, string(r.Key))
		}
		return true
	})
	sort.Strings(out)
	return out
}

// liveOnly keeps the index hits whose record is live, like the query engine does.
func liveOnly(s *Store, keys []string) []string {
	var out []string
	for _, k := range keys {
		if _, ok := s.Peek([]byte(k)); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
