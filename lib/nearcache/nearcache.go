package nearcache

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("nearcache")

// Lookup is the outcome of Get.
type Lookup uint8

const (
	// Miss means the cache knows nothing about the key.
	Miss Lookup = iota
	// Hit means the returned value is cached.
	Hit
	// HitNull means the key is cached as absent (null marker).
	HitNull
)

func (l Lookup) String() string {
	switch l {
	case Hit:
		return "hit"
	case HitNull:
		return "hit-null"
	default:
		return "miss"
	}
}

type entry struct {
	value       []byte
	null        bool  // null marker
	reservation int64 // != 0 while a remote read is in flight
	created     time.Time
	lastAccess  atomic.Int64 // unix nanos
	hits        atomic.Int64
}

func (e *entry) published() bool { return e.reservation == 0 }

// Stats is a snapshot of the cache counters.
type Stats struct {
	Entries       int    `json:"entries"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
	Expirations   uint64 `json:"expirations"`
	Invalidations uint64 `json:"invalidations"`
}

func (s Stats) String() string {
	return fmt.Sprintf("entries=%d hits=%d misses=%d evictions=%d expirations=%d invalidations=%d",
		s.Entries, s.Hits, s.Misses, s.Evictions, s.Expirations, s.Invalidations)
}

// NearCache caches the entries of one map on one client.
//
// Thread-safety: all methods are safe for concurrent use. Reads are lock-free,
// writes and eviction bookkeeping hold a short mutex.
type NearCache struct {
	name string
	cfg  config.NearCacheConfig
	now  func() time.Time

	entries *xsync.MapOf[string, *entry]

	mu       sync.Mutex // serializes writes and guards the eviction heap
	eviction *util.MapHeap[string]
	nextRes  int64

	metricSet     *metrics.Set
	hits          *metrics.Counter
	misses        *metrics.Counter
	evictions     *metrics.Counter
	expirations   *metrics.Counter
	invalidations *metrics.Counter

	done     chan struct{}
	doneOnce sync.Once
}

// New creates the near cache of map name. now may be nil.
func New(name string, cfg config.NearCacheConfig, now func() time.Time) *NearCache {
	if now == nil {
		now = time.Now
	}
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = config.EvictionLRU
	}
	c := &NearCache{
		name:      name,
		cfg:       cfg,
		now:       now,
		entries:   xsync.NewMapOf[string, *entry](),
		eviction:  util.NewMapHeap[string](),
		metricSet: metrics.NewSet(),
		done:      make(chan struct{}),
	}
	label := fmt.Sprintf(`{map=%q}`, name)
	c.hits = c.metricSet.NewCounter("dmap_near_cache_hits_total" + label)
	c.misses = c.metricSet.NewCounter("dmap_near_cache_misses_total" + label)
	c.evictions = c.metricSet.NewCounter("dmap_near_cache_evictions_total" + label)
	c.expirations = c.metricSet.NewCounter("dmap_near_cache_expirations_total" + label)
	c.invalidations = c.metricSet.NewCounter("dmap_near_cache_invalidations_total" + label)
	c.metricSet.NewGauge("dmap_near_cache_entries"+label, func() float64 {
		return float64(c.entries.Size())
	})
	return c
}

// Name returns the map name.
func (c *NearCache) Name() string { return c.name }

// Config returns the configuration.
func (c *NearCache) Config() config.NearCacheConfig { return c.cfg }

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// Get looks key up. Expired entries are removed and reported as Miss.
func (c *NearCache) Get(key []byte) ([]byte, Lookup) {
	k := string(key)
	e, ok := c.entries.Load(k)
	if !ok || !e.published() {
		c.misses.Inc()
		return nil, Miss
	}
	now := c.now()
	if c.expired(e, now) {
		c.mu.Lock()
		if cur, ok := c.entries.Load(k); ok && cur == e {
			c.removeLocked(k)
			c.expirations.Inc()
		}
		c.mu.Unlock()
		c.misses.Inc()
		return nil, Miss
	}
	e.lastAccess.Store(now.UnixNano())
	hits := e.hits.Add(1)
	c.touch(k, e, now, hits)
	c.hits.Inc()
	if e.null {
		return nil, HitNull
	}
	return e.value, Hit
}

func (c *NearCache) expired(e *entry, now time.Time) bool {
	if c.cfg.TTL > 0 && now.Sub(e.created) >= c.cfg.TTL {
		return true
	}
	if c.cfg.MaxIdle > 0 && now.UnixNano()-e.lastAccess.Load() >= int64(c.cfg.MaxIdle) {
		return true
	}
	return false
}

// touch updates the eviction priority after a hit.
func (c *NearCache) touch(k string, e *entry, now time.Time, hits int64) {
	var prio int64
	switch c.cfg.EvictionPolicy {
	case config.EvictionLRU:
		prio = now.UnixNano()
	case config.EvictionLFU:
		prio = hits
	default:
		return
	}
	c.mu.Lock()
	if cur, ok := c.entries.Load(k); ok && cur == e {
		c.eviction.AddItem(k, prio)
	}
	c.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Writes
// ----------------------------------------------------------------------------

// Reserve marks key as being fetched. ok is false if the key is cached or
// already reserved, or the cache is full and does not evict.
func (c *NearCache) Reserve(key []byte) (id int64, ok bool) {
	k := string(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed() {
		return 0, false
	}
	if _, exists := c.entries.Load(k); exists {
		return 0, false
	}
	if !c.makeRoomLocked() {
		return 0, false
	}
	c.nextRes++
	e := &entry{reservation: c.nextRes}
	c.entries.Store(k, e)
	return c.nextRes, true
}

// Publish stores the result of a reserved remote read; found false stores the
// null marker. It reports false if the reservation was invalidated meanwhile.
func (c *NearCache) Publish(key []byte, id int64, value []byte, found bool) bool {
	k := string(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Load(k)
	if !ok || e.reservation != id || id == 0 {
		return false
	}
	c.storeLocked(k, value, !found)
	return true
}

// Release drops a reservation after a failed remote read.
func (c *NearCache) Release(key []byte, id int64) {
	k := string(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Load(k); ok && e.reservation == id {
		c.removeLocked(k)
	}
}

// Put caches value for key, replacing what is there.
func (c *NearCache) Put(key, value []byte) {
	c.put(string(key), value, false)
}

// PutNull caches the fact that key is absent.
func (c *NearCache) PutNull(key []byte) {
	c.put(string(key), nil, true)
}

func (c *NearCache) put(k string, value []byte, null bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed() {
		return
	}
	if _, exists := c.entries.Load(k); !exists && !c.makeRoomLocked() {
		return
	}
	c.storeLocked(k, value, null)
}

func (c *NearCache) storeLocked(k string, value []byte, null bool) {
	now := c.now()
	e := &entry{value: append([]byte(nil), value...), null: null, created: now}
	e.lastAccess.Store(now.UnixNano())
	c.entries.Store(k, e)
	switch c.cfg.EvictionPolicy {
	case config.EvictionLRU:
		c.eviction.AddItem(k, now.UnixNano())
	case config.EvictionLFU:
		c.eviction.AddItem(k, 0)
	case config.EvictionRandom:
		c.eviction.AddItem(k, rand.Int64())
	}
}

// makeRoomLocked evicts one entry if the cache is full. It reports false when
// the cache is full and the policy does not evict.
func (c *NearCache) makeRoomLocked() bool {
	if c.cfg.MaxSize <= 0 || c.entries.Size() < c.cfg.MaxSize {
		return true
	}
	if c.cfg.EvictionPolicy == config.EvictionNone {
		return false
	}
	for c.entries.Size() >= c.cfg.MaxSize {
		item, ok := c.eviction.Peek()
		if !ok {
			// only reservations left
			return false
		}
		c.removeLocked(item.Key)
		c.evictions.Inc()
	}
	return true
}

func (c *NearCache) removeLocked(k string) {
	c.entries.Delete(k)
	c.eviction.RemoveByKey(k)
}

// Invalidate removes key, including a pending reservation.
func (c *NearCache) Invalidate(key []byte) {
	k := string(key)
	c.mu.Lock()
	if _, ok := c.entries.Load(k); ok {
		c.removeLocked(k)
		c.invalidations.Inc()
	}
	c.mu.Unlock()
}

// InvalidateAll removes every entry and reservation.
func (c *NearCache) InvalidateAll() {
	c.mu.Lock()
	n := c.entries.Size()
	c.entries.Clear()
	c.eviction.Clear()
	c.mu.Unlock()
	c.invalidations.Add(n)
}

// Size returns the number of cached entries (reservations included).
func (c *NearCache) Size() int {
	return c.entries.Size()
}

// Stats returns the counters.
func (c *NearCache) Stats() Stats {
	return Stats{
		Entries:       c.entries.Size(),
		Hits:          c.hits.Get(),
		Misses:        c.misses.Get(),
		Evictions:     c.evictions.Get(),
		Expirations:   c.expirations.Get(),
		Invalidations: c.invalidations.Get(),
	}
}

// WritePrometheus writes the cache metrics in Prometheus text format.
func (c *NearCache) WritePrometheus(w io.Writer) {
	c.metricSet.WritePrometheus(w)
}

// ----------------------------------------------------------------------------
// Invalidation events
// ----------------------------------------------------------------------------

// Run applies invalidation events until the channel closes or the cache is
// destroyed. It is meant to run on its own goroutine.
func (c *NearCache) Run(evts <-chan *events.Event) {
	for {
		select {
		case <-c.done:
			return
		case evt, ok := <-evts:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

// Apply applies one event.
func (c *NearCache) Apply(evt *events.Event) {
	if evt == nil || evt.Map != c.name {
		return
	}
	if evt.Type.MapWide() {
		Logger.Debugf("near cache %s: %s from %s", c.name, evt.Type, evt.Source)
		c.InvalidateAll()
		return
	}
	c.Invalidate(evt.Key)
}

func (c *NearCache) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Destroy stops Run and drops every entry. The caller unsubscribes from the
// event channel first.
func (c *NearCache) Destroy() {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
		c.InvalidateAll()
	})
}
