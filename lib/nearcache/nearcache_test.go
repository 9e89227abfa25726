package nearcache

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newCache(mutate func(*config.NearCacheConfig)) (*NearCache, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	cfg := config.DefaultMapConfig("orders").NearCache
	cfg.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	return New("orders", cfg, clk.now), clk
}

func TestGetPutInvalidate(t *testing.T) {
	c, _ := newCache(nil)
	defer c.Destroy()

	_, l := c.Get([]byte("A"))
	assert.Equal(t, Miss, l)

	c.Put([]byte("A"), []byte("1"))
	v, l := c.Get([]byte("A"))
	assert.Equal(t, Hit, l)
	assert.Equal(t, "1", string(v))

	c.PutNull([]byte("B"))
	v, l = c.Get([]byte("B"))
	assert.Equal(t, HitNull, l)
	assert.Nil(t, v)

	// an empty value is not the null marker
	c.Put([]byte("C"), []byte{})
	_, l = c.Get([]byte("C"))
	assert.Equal(t, Hit, l)

	c.Invalidate([]byte("A"))
	_, l = c.Get([]byte("A"))
	assert.Equal(t, Miss, l)

	c.InvalidateAll()
	assert.Equal(t, 0, c.Size())

	st := c.Stats()
	assert.Equal(t, uint64(3), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, uint64(3), st.Invalidations)
}

func TestPutCopiesValue(t *testing.T) {
	c, _ := newCache(nil)
	buf := []byte("abc")
	c.Put([]byte("k"), buf)
	buf[0] = 'x'
	v, _ := c.Get([]byte("k"))
	assert.Equal(t, "abc", string(v))
}

func TestReservation(t *testing.T) {
	c, _ := newCache(nil)

	id, ok := c.Reserve([]byte("A"))
	require.True(t, ok)
	_, again := c.Reserve([]byte("A"))
	assert.False(t, again, "one fetch per key")

	// reserved keys read as miss
	_, l := c.Get([]byte("A"))
	assert.Equal(t, Miss, l)

	assert.True(t, c.Publish([]byte("A"), id, []byte("1"), true))
	v, l := c.Get([]byte("A"))
	assert.Equal(t, Hit, l)
	assert.Equal(t, "1", string(v))
	_, ok = c.Reserve([]byte("A"))
	assert.False(t, ok, "cached keys cannot be reserved")

	// absent results become null markers
	id, _ = c.Reserve([]byte("B"))
	assert.True(t, c.Publish([]byte("B"), id, nil, false))
	_, l = c.Get([]byte("B"))
	assert.Equal(t, HitNull, l)

	// failed reads release the reservation
	id, _ = c.Reserve([]byte("C"))
	c.Release([]byte("C"), id)
	_, ok = c.Reserve([]byte("C"))
	assert.True(t, ok)
}

func TestInvalidationBeatsInFlightRead(t *testing.T) {
	c, _ := newCache(nil)
	c.PutNull([]byte("A"))

	// a writer invalidates before its remote put
	c.Invalidate([]byte("A"))

	// a reader fetched the old state while the write was in flight
	id, ok := c.Reserve([]byte("A"))
	require.True(t, ok)
	c.Invalidate([]byte("A")) // event of the completed write
	assert.False(t, c.Publish([]byte("A"), id, nil, false))

	_, l := c.Get([]byte("A"))
	assert.Equal(t, Miss, l, "stale null marker must not come back")
}

func TestEvictionLRU(t *testing.T) {
	c, clk := newCache(func(cfg *config.NearCacheConfig) {
		cfg.EvictionPolicy = config.EvictionLRU
		cfg.MaxSize = 3
	})
	for _, k := range []string{"a", "b", "c"} {
		clk.advance(time.Second)
		c.Put([]byte(k), []byte(k))
	}
	clk.advance(time.Second)
	c.Get([]byte("a"))
	clk.advance(time.Second)
	c.Put([]byte("d"), []byte("d"))

	assert.Equal(t, 3, c.Size())
	_, l := c.Get([]byte("b"))
	assert.Equal(t, Miss, l)
	for _, k := range []string{"a", "c", "d"} {
		_, l := c.Get([]byte(k))
		assert.Equal(t, Hit, l, k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestEvictionLFU(t *testing.T) {
	c, _ := newCache(func(cfg *config.NearCacheConfig) {
		cfg.EvictionPolicy = config.EvictionLFU
		cfg.MaxSize = 3
	})
	for _, k := range []string{"a", "b", "c"} {
		c.Put([]byte(k), []byte(k))
	}
	c.Get([]byte("a"))
	c.Get([]byte("a"))
	c.Get([]byte("c"))
	c.Put([]byte("d"), []byte("d"))

	_, l := c.Get([]byte("b"))
	assert.Equal(t, Miss, l)
	_, l = c.Get([]byte("a"))
	assert.Equal(t, Hit, l)
}

func TestEvictionNoneRejectsWhenFull(t *testing.T) {
	c, _ := newCache(func(cfg *config.NearCacheConfig) {
		cfg.EvictionPolicy = config.EvictionNone
		cfg.MaxSize = 2
	})
	c.Put([]byte("a"), []byte("a"))
	c.Put([]byte("b"), []byte("b"))
	c.Put([]byte("c"), []byte("c"))
	_, ok := c.Reserve([]byte("d"))
	assert.False(t, ok)

	assert.Equal(t, 2, c.Size())
	_, l := c.Get([]byte("c"))
	assert.Equal(t, Miss, l)

	// replacing an existing key is still allowed
	c.Put([]byte("a"), []byte("a2"))
	v, _ := c.Get([]byte("a"))
	assert.Equal(t, "a2", string(v))
}

func TestEvictionRandomBoundsSize(t *testing.T) {
	c, _ := newCache(func(cfg *config.NearCacheConfig) {
		cfg.EvictionPolicy = config.EvictionRandom
		cfg.MaxSize = 10
	})
	for i := 0; i < 100; i++ {
		c.Put([]byte(fmt.Sprint(i)), []byte("v"))
	}
	assert.Equal(t, 10, c.Size())
	assert.Equal(t, uint64(90), c.Stats().Evictions)
}

func TestTTLAndMaxIdle(t *testing.T) {
	c, clk := newCache(func(cfg *config.NearCacheConfig) {
		cfg.TTL = 10 * time.Second
		cfg.MaxIdle = 4 * time.Second
	})
	c.Put([]byte("busy"), []byte("1"))
	c.Put([]byte("idle"), []byte("1"))

	for i := 0; i < 3; i++ {
		clk.advance(3 * time.Second)
		_, l := c.Get([]byte("busy"))
		assert.Equal(t, Hit, l, "round %d", i)
	}
	_, l := c.Get([]byte("idle"))
	assert.Equal(t, Miss, l, "idle for 9s")

	clk.advance(time.Second)
	_, l = c.Get([]byte("busy"))
	assert.Equal(t, Miss, l, "older than the ttl")
	assert.Equal(t, uint64(2), c.Stats().Expirations)
	assert.Equal(t, 0, c.Size())
}

func TestRunAppliesEvents(t *testing.T) {
	bus := events.NewBus("node", nil)
	sub := bus.Register("orders")
	c, _ := newCache(nil)

	done := make(chan struct{})
	go func() {
		c.Run(sub.Events())
		close(done)
	}()

	c.Put([]byte("A"), []byte("1"))
	c.Put([]byte("B"), []byte("1"))
	c.Put([]byte("C"), []byte("1"))

	bus.Publish(events.Event{Type: events.Updated, Map: "orders", Key: []byte("A")})
	bus.Publish(events.Event{Type: events.Removed, Map: "other", Key: []byte("B")})
	require.Eventually(t, func() bool {
		_, l := c.Get([]byte("A"))
		return l == Miss
	}, time.Second, 5*time.Millisecond)

	bus.Publish(events.Event{Type: events.ClearAll, Map: "orders"})
	require.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	c.Destroy()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Destroy")
	}

	// a destroyed cache stores nothing
	c.Put([]byte("A"), []byte("1"))
	assert.Equal(t, 0, c.Size())
}

func TestWritePrometheus(t *testing.T) {
	c, _ := newCache(nil)
	c.Get([]byte("x"))
	var buf bytes.Buffer
	c.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `dmap_near_cache_misses_total{map="orders"} 1`)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newCache(func(cfg *config.NearCacheConfig) { cfg.MaxSize = 50 })
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := []byte(fmt.Sprint(i % 80))
				switch i % 4 {
				case 0:
					c.Put(k, []byte("v"))
				case 1:
					c.Get(k)
				case 2:
					if id, ok := c.Reserve(k); ok {
						c.Publish(k, id, []byte("v"), true)
					}
				default:
					c.Invalidate(k)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Size(), 50)
}
