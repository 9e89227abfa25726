package client

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const (
	maxRouteRetries = 5
	routeBackoff    = 50 * time.Millisecond
)

// MemberResult is the outcome of a request sent to one member.
type MemberResult struct {
	Member cluster.Member
	Resp   *common.Message
	Err    error
}

// Invoker routes requests to the owner of their partition. It keeps a copy
// of the partition table, fetched from the members, and refreshes it when a
// member rejects a request it no longer owns.
//
// Thread-safety: all methods are safe for concurrent use.
type Invoker struct {
	pool      *connPool
	endpoints []string

	table     atomic.Pointer[cluster.PartitionTable]
	refreshMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []*tableListener
}

type tableListener struct {
	fn func(*cluster.PartitionTable)
}

// NewInvoker creates an invoker. The partition table is fetched from the
// configured endpoints by the first Refresh.
func NewInvoker(config common.ClientConfig, factory transport.ClientFactory, serializer serializer.IRPCSerializer) *Invoker {
	return &Invoker{
		pool:      newConnPool(config, factory, serializer),
		endpoints: slices.Clone(config.Transport.Endpoints),
	}
}

// Table returns the current partition table, nil before the first Refresh.
func (i *Invoker) Table() *cluster.PartitionTable {
	return i.table.Load()
}

// OnTableChange registers fn, called with the new table whenever the member
// list changed. The returned function removes the registration.
func (i *Invoker) OnTableChange(fn func(*cluster.PartitionTable)) (remove func()) {
	l := &tableListener{fn: fn}
	i.listenersMu.Lock()
	i.listeners = append(i.listeners, l)
	i.listenersMu.Unlock()
	return func() {
		i.listenersMu.Lock()
		defer i.listenersMu.Unlock()
		i.listeners = slices.DeleteFunc(i.listeners, func(x *tableListener) bool { return x == l })
	}
}

// Refresh fetches the partition table from the first member that answers.
func (i *Invoker) Refresh(ctx context.Context) error {
	return i.refresh(ctx, i.table.Load())
}

// refresh replaces stale. It is a no-op if another caller replaced it already.
func (i *Invoker) refresh(ctx context.Context, stale *cluster.PartitionTable) error {
	i.refreshMu.Lock()
	defer i.refreshMu.Unlock()
	if cur := i.table.Load(); cur != stale {
		return nil
	}

	var lastErr error
	for _, addr := range i.candidates(stale) {
		resp, err := i.pool.invoke(ctx, addr, common.NoPartition, &common.Message{MsgType: common.MsgTTable})
		if err != nil {
			lastErr = err
			Logger.Debugf("failed to fetch partition table from %s: %v", addr, err)
			continue
		}
		var payload common.TablePayload
		if err := resp.DecodePayload(&payload); err != nil {
			lastErr = err
			continue
		}
		members := make([]cluster.Member, len(payload.Members))
		for j, m := range payload.Members {
			members[j] = cluster.Member{ID: m.ID, Address: m.Address}
		}
		table := cluster.NewPartitionTable(payload.PartitionCount, payload.BackupCount, members)
		i.table.Store(table)
		if stale == nil || !slices.Equal(stale.Members(), table.Members()) {
			Logger.Infof("partition table updated: %s", table)
			i.notify(stale, table)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return errors.Mark(errors.Wrap(lastErr, "fetch partition table"), mapservice.ErrUnreachable)
}

// candidates lists the addresses to ask for the table: known members first,
// then the configured endpoints
func (i *Invoker) candidates(table *cluster.PartitionTable) []string {
	var addrs []string
	if table != nil {
		for _, m := range table.Members() {
			addrs = append(addrs, m.Address)
		}
	}
	for _, ep := range i.endpoints {
		if !slices.Contains(addrs, ep) {
			addrs = append(addrs, ep)
		}
	}
	return addrs
}

func (i *Invoker) notify(old, table *cluster.PartitionTable) {
	// drop connections of members that left
	if old != nil {
		for _, m := range old.Members() {
			if cur, ok := table.Member(m.ID); !ok || cur.Address != m.Address {
				if !slices.Contains(i.endpoints, m.Address) {
					i.pool.forget(m.Address)
				}
			}
		}
	}
	i.listenersMu.Lock()
	listeners := slices.Clone(i.listeners)
	i.listenersMu.Unlock()
	for _, l := range listeners {
		l.fn(table)
	}
}

// --------------------------------------------------------------------------
// Invocation
// --------------------------------------------------------------------------

// Invoke sends req to the owner of partition pid. If the member no longer
// owns the partition, or it left the cluster, the table is refreshed and the
// request is sent again.
func (i *Invoker) Invoke(ctx context.Context, pid int, req *common.Message) (*common.Message, error) {
	for attempt := 0; ; attempt++ {
		table := i.table.Load()
		if table == nil {
			if err := i.refresh(ctx, nil); err != nil {
				return nil, err
			}
			continue
		}
		ownerID := table.OwnerOf(pid)
		owner, ok := table.Member(ownerID)
		if !ok {
			return nil, errors.Wrapf(mapservice.ErrUnreachable, "no owner known for partition %d", pid)
		}

		resp, err := i.pool.invoke(ctx, owner.Address, uint64(pid), req)
		if err == nil {
			return resp, nil
		}
		wrongTarget := errors.Is(err, mapservice.ErrWrongTarget)
		if attempt >= maxRouteRetries || !(wrongTarget || errors.Is(err, mapservice.ErrUnreachable)) {
			return nil, err
		}
		Logger.Debugf("%s on partition %d at %s failed (attempt %d): %v", req.MsgType, pid, ownerID, attempt+1, err)

		// a partition in migration is rejected until its data arrived
		if err := sleepCtx(ctx, routeBackoff*time.Duration(attempt+1)); err != nil {
			return nil, err
		}
		if rerr := i.refresh(ctx, table); rerr != nil {
			return nil, errors.CombineErrors(err, rerr)
		}
		// an unreachable owner is only retried if the partition moved
		if !wrongTarget && i.table.Load().OwnerOf(pid) == ownerID {
			return nil, err
		}
	}
}

// InvokeAsync is Invoke on its own goroutine.
func (i *Invoker) InvokeAsync(ctx context.Context, pid int, req *common.Message) *Future[*common.Message] {
	return runAsync(func() (*common.Message, error) {
		return i.Invoke(ctx, pid, req)
	})
}

// InvokeOnMember sends a request that is not addressed to a partition.
func (i *Invoker) InvokeOnMember(ctx context.Context, member cluster.Member, req *common.Message) (*common.Message, error) {
	return i.pool.invoke(ctx, member.Address, common.NoPartition, req)
}

// InvokeOnAllMembers sends req to every member in parallel and returns one
// result per member, in member order. It does not stop at the first failure.
func (i *Invoker) InvokeOnAllMembers(ctx context.Context, req *common.Message) ([]MemberResult, error) {
	table := i.table.Load()
	if table == nil {
		if err := i.refresh(ctx, nil); err != nil {
			return nil, err
		}
		table = i.table.Load()
	}
	members := table.Members()
	results := make([]MemberResult, len(members))

	var g errgroup.Group
	for j, m := range members {
		g.Go(func() error {
			resp, err := i.InvokeOnMember(ctx, m, req)
			results[j] = MemberResult{Member: m, Resp: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Close closes the connections to every member.
func (i *Invoker) Close() error {
	return i.pool.close()
}

// firstError returns the first failure of results, annotated with its member
func firstError(results []MemberResult) error {
	for _, r := range results {
		if r.Err != nil {
			return errors.Wrapf(r.Err, "member %s", r.Member.ID)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
