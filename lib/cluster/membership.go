package cluster

import (
	"bytes"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/memberlist"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("cluster")

// Membership is the cluster membership lookup.
type Membership interface {
	// Local returns this process' member.
	Local() Member
	// Members returns the current members sorted by id.
	Members() []Member
	// MemberFor resolves a member id, used to attach originator identity.
	MemberFor(id string) (Member, bool)
	// OnChange registers a callback invoked with the new member list.
	OnChange(fn func([]Member))
	Close() error
}

func sortMembers(ms []Member) []Member {
	slices.SortFunc(ms, func(a, b Member) int { return strings.Compare(a.ID, b.ID) })
	return ms
}

// ----------------------------------------------------------------------------
// Static membership
// ----------------------------------------------------------------------------

// StaticMembership is a fixed member list that can be changed explicitly.
type StaticMembership struct {
	mu        sync.RWMutex
	local     Member
	members   []Member
	callbacks []func([]Member)
}

// NewStaticMembership creates a membership; local is added if missing.
func NewStaticMembership(local Member, members []Member) *StaticMembership {
	s := &StaticMembership{local: local}
	s.members = sortMembers(withMember(slices.Clone(members), local))
	return s
}

func withMember(ms []Member, m Member) []Member {
	for _, x := range ms {
		if x.ID == m.ID {
			return ms
		}
	}
	return append(ms, m)
}

// Interface Methods (docu see Membership)

func (s *StaticMembership) Local() Member { return s.local }

func (s *StaticMembership) Members() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.members)
}

func (s *StaticMembership) MemberFor(id string) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

func (s *StaticMembership) OnChange(fn func([]Member)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

func (s *StaticMembership) Close() error { return nil }

// Set replaces the member list and notifies the callbacks.
func (s *StaticMembership) Set(members []Member) {
	s.mu.Lock()
	s.members = sortMembers(slices.Clone(members))
	cbs := slices.Clone(s.callbacks)
	ms := slices.Clone(s.members)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(ms)
	}
}

// ----------------------------------------------------------------------------
// Gossip membership
// ----------------------------------------------------------------------------

// GossipConfig configures GossipMembership.
type GossipConfig struct {
	// BindAddr and BindPort are the gossip listen address.
	BindAddr string
	BindPort int
	// Join lists gossip addresses of existing members.
	Join []string
	// ProbeInterval overrides the failure detector interval if set.
	ProbeInterval time.Duration
}

// GossipMembership discovers members through memberlist. The rpc address of
// a member travels as its node metadata.
type GossipMembership struct {
	local Member
	list  atomic.Pointer[memberlist.Memberlist]

	mu        sync.RWMutex
	callbacks []func([]Member)
}

// NewGossipMembership starts gossiping as local and joins the configured members.
func NewGossipMembership(local Member, cfg GossipConfig) (*GossipMembership, error) {
	g := &GossipMembership{local: local}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = local.ID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = &gossipDelegate{meta: []byte(local.Address)}
	mlConfig.Events = &gossipEvents{membership: g}
	mlConfig.LogOutput = logWriter{}

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, errors.Wrap(err, "create memberlist")
	}
	g.list.Store(list)

	if len(cfg.Join) > 0 {
		n, err := list.Join(cfg.Join)
		if err != nil {
			Logger.Warningf("joined %d of %d gossip seeds: %v", n, len(cfg.Join), err)
		} else {
			Logger.Infof("joined cluster through %d seed(s)", n)
		}
	}
	return g, nil
}

// Interface Methods (docu see Membership)

func (g *GossipMembership) Local() Member { return g.local }

func (g *GossipMembership) Members() []Member {
	list := g.list.Load()
	if list == nil {
		return []Member{g.local}
	}
	nodes := list.Members()
	out := make([]Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Member{ID: n.Name, Address: string(n.Meta)})
	}
	return sortMembers(out)
}

func (g *GossipMembership) MemberFor(id string) (Member, bool) {
	for _, m := range g.Members() {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

func (g *GossipMembership) OnChange(fn func([]Member)) {
	g.mu.Lock()
	g.callbacks = append(g.callbacks, fn)
	g.mu.Unlock()
}

func (g *GossipMembership) Close() error {
	list := g.list.Load()
	if err := list.Leave(time.Second); err != nil {
		Logger.Warningf("leave cluster: %v", err)
	}
	return list.Shutdown()
}

func (g *GossipMembership) notify() {
	// memberlist calls the event delegate before Create returns
	if g.list.Load() == nil {
		return
	}
	g.mu.RLock()
	cbs := slices.Clone(g.callbacks)
	g.mu.RUnlock()
	ms := g.Members()
	for _, cb := range cbs {
		cb(ms)
	}
}

// gossipDelegate publishes the rpc address as node metadata.
type gossipDelegate struct {
	meta []byte
}

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return d.meta[:limit]
	}
	return d.meta
}

func (d *gossipDelegate) NotifyMsg([]byte)                           {}
func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *gossipDelegate) LocalState(join bool) []byte                { return nil }
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool)     {}

type gossipEvents struct {
	membership *GossipMembership
}

func (e *gossipEvents) NotifyJoin(n *memberlist.Node) {
	Logger.Infof("member %s joined (%s)", n.Name, n.Meta)
	go e.membership.notify()
}

func (e *gossipEvents) NotifyLeave(n *memberlist.Node) {
	Logger.Infof("member %s left", n.Name)
	go e.membership.notify()
}

func (e *gossipEvents) NotifyUpdate(n *memberlist.Node) {
	Logger.Debugf("member %s updated", n.Name)
}

// logWriter forwards memberlist's log output to the cluster logger.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	switch {
	case strings.Contains(line, "[ERR]"):
		Logger.Errorf("%s", line)
	case strings.Contains(line, "[WARN]"):
		Logger.Warningf("%s", line)
	default:
		Logger.Debugf("%s", line)
	}
	return len(p), nil
}
