package client

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/cockroachdb/errors"
)

const (
	pollBatch        = 256
	maxPollWait      = 10 * time.Second
	pollRetryBackoff = 200 * time.Millisecond
	eventBuffer      = 1024
)

// remoteEvents is the invalidation event channel of a client. Events are
// published by the member owning the changed key, so a subscription holds
// one server side subscription per member and long-polls each of them.
type remoteEvents struct {
	inv *Invoker
}

// Subscribe implements events.Channel.
func (r *remoteEvents) Subscribe(ctx context.Context, mapName string) (events.Handle, error) {
	if mapName == "" {
		return nil, mapservice.ErrInvalidMapName
	}
	table := r.inv.Table()
	if table == nil {
		if err := r.inv.Refresh(ctx); err != nil {
			return nil, err
		}
		table = r.inv.Table()
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &remoteSubscription{
		inv:     r.inv,
		mapName: mapName,
		out:     make(chan *events.Event, eventBuffer),
		ctx:     subCtx,
		cancel:  cancel,
		pollers: make(map[string]*memberPoller),
		wait:    pollWait(r.inv.pool.config.Timeout()),
	}

	// subscribe everywhere before the first poll, so no member misses a change
	// made after Subscribe returned
	pollers := make([]*memberPoller, 0, len(table.Members()))
	for _, m := range table.Members() {
		id, err := s.subscribe(ctx, m)
		if err != nil {
			cancel()
			for _, p := range pollers {
				s.unsubscribe(p.member, p.subID)
			}
			return nil, errors.Wrapf(err, "subscribe to %q at %s", mapName, m.ID)
		}
		pollers = append(pollers, &memberPoller{member: m, subID: id})
	}

	s.mu.Lock()
	for _, p := range pollers {
		s.startLocked(p)
	}
	s.mu.Unlock()
	s.removeListener = r.inv.OnTableChange(s.sync)
	Logger.Debugf("subscribed to events of %q on %d member(s)", mapName, len(pollers))
	return s, nil
}

// pollWait keeps a long poll within the request timeout of the transport
func pollWait(timeout time.Duration) time.Duration {
	if timeout > 0 && timeout/2 < maxPollWait {
		return timeout / 2
	}
	return maxPollWait
}

// memberPoller is the server side subscription at one member. subID is
// owned by the poll goroutine until it stopped.
type memberPoller struct {
	member cluster.Member
	subID  string
	cancel context.CancelFunc
}

// remoteSubscription implements events.Handle.
type remoteSubscription struct {
	inv            *Invoker
	mapName        string
	out            chan *events.Event
	wait           time.Duration
	ctx            context.Context
	cancel         context.CancelFunc
	removeListener func()

	mu      sync.Mutex
	pollers map[string]*memberPoller
	closed  bool
	wg      sync.WaitGroup
	once    sync.Once
}

// --------------------------------------------------------------------------
// Interface Methods (docu see events.Handle)
// --------------------------------------------------------------------------

func (s *remoteSubscription) Events() <-chan *events.Event {
	return s.out
}

func (s *remoteSubscription) Unsubscribe() {
	s.once.Do(func() {
		if s.removeListener != nil {
			s.removeListener()
		}
		s.mu.Lock()
		s.closed = true
		pollers := make([]*memberPoller, 0, len(s.pollers))
		for _, p := range s.pollers {
			pollers = append(pollers, p)
		}
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
		for _, p := range pollers {
			if p.subID != "" {
				s.unsubscribe(p.member, p.subID)
			}
		}
		close(s.out)
		Logger.Debugf("unsubscribed from events of %q", s.mapName)
	})
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sync follows the member list: new members get a poller, pollers of
// members that left are stopped
func (s *remoteSubscription) sync(table *cluster.PartitionTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for id, p := range s.pollers {
		if _, ok := table.Member(id); !ok {
			p.cancel()
			delete(s.pollers, id)
		}
	}
	for _, m := range table.Members() {
		if _, ok := s.pollers[m.ID]; !ok {
			s.startLocked(&memberPoller{member: m})
		}
	}
}

func (s *remoteSubscription) startLocked(p *memberPoller) {
	ctx, cancel := context.WithCancel(s.ctx)
	p.cancel = cancel
	s.pollers[p.member.ID] = p
	s.wg.Add(1)
	go s.poll(ctx, p)
}

// poll long-polls the subscription at one member until ctx is done. A lost
// subscription is created again; the events missed meanwhile are replaced
// by an invalidation of the whole map.
func (s *remoteSubscription) poll(ctx context.Context, p *memberPoller) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		if p.subID == "" {
			id, err := s.subscribe(ctx, p.member)
			if err != nil {
				if ctx.Err() == nil {
					Logger.Debugf("subscribe to %q at %s failed: %v", s.mapName, p.member.ID, err)
					_ = sleepCtx(ctx, pollRetryBackoff)
				}
				continue
			}
			p.subID = id
			s.emit(ctx, &events.Event{Type: events.ClearAll, Map: s.mapName, Source: p.member.ID, Time: time.Now()})
		}

		req := &common.Message{
			MsgType: common.MsgTEventPoll,
			MapName: s.mapName,
			TxnID:   p.subID,
			Count:   pollBatch,
			Timeout: int64(s.wait),
		}
		resp, err := s.inv.InvokeOnMember(ctx, p.member, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var remote *common.RemoteError
			if errors.As(err, &remote) && remote.Code == common.RetCNotFound {
				p.subID = ""
				continue
			}
			Logger.Debugf("poll of %q at %s failed: %v", s.mapName, p.member.ID, err)
			_ = sleepCtx(ctx, pollRetryBackoff)
			continue
		}

		var evts []*events.Event
		if err := resp.DecodePayload(&evts); err != nil {
			Logger.Warningf("dropping undecodable events of %q from %s: %v", s.mapName, p.member.ID, err)
		}
		for _, evt := range evts {
			if !s.emit(ctx, evt) {
				return
			}
		}
		if !resp.Ok {
			p.subID = ""
		}
	}
}

func (s *remoteSubscription) emit(ctx context.Context, evt *events.Event) bool {
	select {
	case s.out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *remoteSubscription) subscribe(ctx context.Context, m cluster.Member) (string, error) {
	resp, err := s.inv.InvokeOnMember(ctx, m, &common.Message{MsgType: common.MsgTEventSubscribe, MapName: s.mapName, Partition: -1})
	if err != nil {
		return "", err
	}
	return resp.TxnID, nil
}

func (s *remoteSubscription) unsubscribe(m cluster.Member, subID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := &common.Message{MsgType: common.MsgTEventUnsubscribe, MapName: s.mapName, TxnID: subID, Partition: -1}
	if _, err := s.inv.InvokeOnMember(ctx, m, req); err != nil {
		Logger.Debugf("unsubscribe from %q at %s failed: %v", s.mapName, m.ID, err)
	}
}
