package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Subscription) *Event {
	t.Helper()
	select {
	case e := <-s.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestPublishRoutesByMap(t *testing.T) {
	bus := NewBus("node-1", nil)
	orders := bus.Register("orders")
	all := bus.Register("")
	defer bus.Close()

	bus.Publish(Event{Type: Updated, Map: "users", Key: []byte("u")})
	bus.Publish(Event{Type: Added, Map: "orders", Key: []byte("A")})

	e := receive(t, orders)
	assert.Equal(t, Added, e.Type)
	assert.Equal(t, "A", string(e.Key))
	assert.Equal(t, "node-1", e.Source)
	assert.False(t, e.Time.IsZero())

	assert.Equal(t, "users", receive(t, all).Map)
	assert.Equal(t, "orders", receive(t, all).Map)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus("n", nil)
	s := bus.Register("m")
	require.Equal(t, 1, bus.Len())

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: Removed, Map: "m", Key: []byte(fmt.Sprint(i))})
	}
	s.Unsubscribe()
	s.Unsubscribe()
	assert.Equal(t, 0, bus.Len())

	// nothing is queued for a removed subscription
	bus.Publish(Event{Type: Removed, Map: "m"})
	_, ok := bus.Lookup(s.ID)
	assert.False(t, ok)
}

func TestConcurrentPublishersKeepPerPublisherOrder(t *testing.T) {
	bus := NewBus("n", nil)
	s := bus.Register("m")
	defer s.Unsubscribe()

	const publishers, perPublisher = 4, 200
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(Event{Type: Updated, Map: "m", Key: []byte(fmt.Sprintf("%d:%04d", p, i)), Source: fmt.Sprint(p)})
			}
		}()
	}

	last := make(map[string]string)
	for i := 0; i < publishers*perPublisher; i++ {
		e := receive(t, s)
		prev := last[e.Source]
		assert.Less(t, prev, string(e.Key))
		last[e.Source] = string(e.Key)
	}
	wg.Wait()
}

func TestPoll(t *testing.T) {
	bus := NewBus("n", nil)
	s := bus.Register("m")

	evts, ok := s.Poll(context.Background(), 10, 20*time.Millisecond)
	assert.True(t, ok)
	assert.Empty(t, evts)

	bus.Publish(Event{Type: ClearAll, Map: "m"})
	evts, ok = s.Poll(context.Background(), 10, time.Second)
	assert.True(t, ok)
	require.NotEmpty(t, evts)
	assert.True(t, evts[0].Type.MapWide())

	s.Unsubscribe()
	require.Eventually(t, func() bool {
		_, ok := s.Poll(context.Background(), 1, 10*time.Millisecond)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestChannelInterface(t *testing.T) {
	var ch Channel = NewBus("n", nil)
	h, err := ch.Subscribe(context.Background(), "m")
	require.NoError(t, err)
	h.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ch.Subscribe(ctx, "m")
	assert.ErrorIs(t, err, context.Canceled)
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestExpireIdleDropsAbandonedPolledSubscriptions(t *testing.T) {
	clk := &manualClock{t: time.Unix(1000, 0)}
	bus := NewBus("n", clk.now)
	defer bus.Close()

	local := bus.Register("m")
	abandoned := bus.RegisterPolled("m")
	active := bus.RegisterPolled("m")
	require.Equal(t, 3, bus.Len())

	clk.advance(time.Minute)
	_, ok := active.Poll(context.Background(), 1, time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 0, bus.ExpireIdle(2*time.Minute), "nothing idle for two minutes yet")

	clk.advance(90 * time.Second)
	assert.Equal(t, 1, bus.ExpireIdle(2*time.Minute))
	assert.Equal(t, 2, bus.Len())

	_, ok = bus.Lookup(abandoned.ID)
	assert.False(t, ok)
	_, ok = bus.Lookup(active.ID)
	assert.True(t, ok)
	_, ok = bus.Lookup(local.ID)
	assert.True(t, ok, "in process subscriptions never expire")

	// events for the removed subscription are no longer queued
	bus.Publish(Event{Type: Added, Map: "m", Key: []byte("k")})
	assert.Equal(t, Added, receive(t, active).Type)
}

func TestExpireIdleKeepsSubscriptionInLongPoll(t *testing.T) {
	clk := &manualClock{t: time.Unix(1000, 0)}
	bus := NewBus("n", clk.now)
	defer bus.Close()
	s := bus.RegisterPolled("m")

	polled := make(chan bool)
	go func() {
		_, ok := s.Poll(context.Background(), 1, 5*time.Second)
		polled <- ok
	}()
	require.Eventually(t, func() bool { return s.polling.Load() == 1 }, time.Second, time.Millisecond)

	clk.advance(time.Hour)
	assert.Equal(t, 0, bus.ExpireIdle(time.Minute))

	bus.Publish(Event{Type: Removed, Map: "m", Key: []byte("k")})
	assert.True(t, <-polled)

	// the poll that just ended counts as activity
	assert.Equal(t, 0, bus.ExpireIdle(time.Minute))
	clk.advance(2 * time.Minute)
	assert.Equal(t, 1, bus.ExpireIdle(time.Minute))
	assert.Equal(t, 0, bus.Len())
}
