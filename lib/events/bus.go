package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMap/lib/util"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Bus fans events out to subscriptions.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	source string
	subs   *xsync.MapOf[string, *Subscription]
	now    func() time.Time
}

// NewBus creates a bus stamping source on events without one. now is the
// clock of the idle expiry, nil for the wall clock.
func NewBus(source string, now func() time.Time) *Bus {
	if now == nil {
		now = time.Now
	}
	return &Bus{
		source: source,
		subs:   xsync.NewMapOf[string, *Subscription](),
		now:    now,
	}
}

// Publish delivers evt to every subscription of its map. It never blocks.
func (b *Bus) Publish(evt Event) {
	if evt.Source == "" {
		evt.Source = b.source
	}
	if evt.Time.IsZero() {
		evt.Time = b.now()
	}
	b.subs.Range(func(_ string, s *Subscription) bool {
		if s.mapName == "" || s.mapName == evt.Map {
			e := evt
			s.queue.Push(&e)
		}
		return true
	})
}

// Register adds a subscription for mapName; an empty name receives the events
// of every map.
func (b *Bus) Register(mapName string) *Subscription {
	return b.register(mapName, false)
}

// RegisterPolled adds a subscription of a remote listener that collects its
// events with Poll. It is dropped by ExpireIdle once the listener stops
// polling.
func (b *Bus) RegisterPolled(mapName string) *Subscription {
	return b.register(mapName, true)
}

func (b *Bus) register(mapName string, polled bool) *Subscription {
	s := &Subscription{
		ID:      uuid.NewString(),
		mapName: mapName,
		queue:   util.NewLockFreeMPSC[Event](),
		bus:     b,
		polled:  polled,
	}
	s.lastPoll.Store(b.now().UnixNano())
	b.subs.Store(s.ID, s)
	return s
}

// ExpireIdle unsubscribes polled subscriptions whose last poll ended more
// than idle ago and that are not being polled right now. It returns the
// number of removed subscriptions.
func (b *Bus) ExpireIdle(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := b.now().Add(-idle).UnixNano()
	expired := 0
	b.subs.Range(func(_ string, s *Subscription) bool {
		if s.polled && s.polling.Load() == 0 && s.lastPoll.Load() < cutoff {
			s.Unsubscribe()
			expired++
		}
		return true
	})
	return expired
}

// Lookup returns the subscription with id.
func (b *Bus) Lookup(id string) (*Subscription, bool) {
	return b.subs.Load(id)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	return b.subs.Size()
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.subs.Range(func(_ string, s *Subscription) bool {
		s.Unsubscribe()
		return true
	})
}

// --------------------------------------------------------------------------
// Interface Methods (docu see Channel)
// --------------------------------------------------------------------------

func (b *Bus) Subscribe(ctx context.Context, mapName string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.Register(mapName), nil
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

// Subscription is the handle of one subscriber.
type Subscription struct {
	ID      string
	mapName string
	queue   *util.LockFreeMPSC[Event]
	bus     *Bus
	done    atomic.Bool

	// polled subscriptions expire, see Bus.ExpireIdle
	polled   bool
	polling  atomic.Int32
	lastPoll atomic.Int64 // unix nanos of the bus clock
}

// Map returns the subscribed map name.
func (s *Subscription) Map() string { return s.mapName }

// Events delivers the events in publish order per publisher.
func (s *Subscription) Events() <-chan *Event {
	return s.queue.Recv()
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	s.bus.subs.Delete(s.ID)
	s.queue.Drain()
}

// Poll collects up to max pending events, waiting at most wait for the first
// one. ok is false once the subscription is closed.
func (s *Subscription) Poll(ctx context.Context, max int, wait time.Duration) (evts []*Event, ok bool) {
	s.polling.Add(1)
	defer func() {
		s.lastPoll.Store(s.bus.now().UnixNano())
		s.polling.Add(-1)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case e, open := <-s.queue.Recv():
		if !open {
			return nil, false
		}
		evts = append(evts, e)
	case <-timer.C:
		return nil, !s.done.Load()
	case <-ctx.Done():
		return nil, !s.done.Load()
	}
	for len(evts) < max {
		select {
		case e, open := <-s.queue.Recv():
			if !open {
				return evts, false
			}
			evts = append(evts, e)
		default:
			return evts, true
		}
	}
	return evts, true
}
