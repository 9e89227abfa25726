package mapservice

import (
	"context"
	"slices"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/cockroachdb/errors"
)

// SetMembers installs a new member list. For every partition the member
// holding its primary copy sends it to a new owner and full copies to new
// replicas. Partitions this node neither owns nor replicates any more are
// dropped. Partitions it receives without holding a copy are not served until
// their data arrived or the migration timeout passed.
func (n *Node) SetMembers(ctx context.Context, members []cluster.Member) error {
	n.membersMu.Lock()
	defer n.membersMu.Unlock()
	if n.closed.Load() {
		return ErrNodeClosed
	}
	members = slices.Clone(members)
	if !slices.ContainsFunc(members, func(m cluster.Member) bool { return m.ID == n.local.ID }) {
		members = append(members, n.local)
	}
	if len(members) > 1 && n.peer == nil {
		return errors.Newf("node %s: a peer is required for %d members", n.local.ID, len(members))
	}

	old := n.table.Load()
	next, moves := old.WithMembers(members)
	alive := func(id string) bool {
		_, ok := next.Member(id)
		return ok
	}
	held := func(pid int, id string) bool {
		return id != "" && (old.OwnerOf(pid) == id || old.IsReplica(pid, id))
	}
	// source returns the member holding the primary copy of pid: the previous
	// owner, or the first surviving replica if the owner is gone
	source := func(pid int) string {
		if owner := old.OwnerOf(pid); alive(owner) {
			return owner
		}
		for _, r := range old.ReplicasOf(pid) {
			if alive(r) {
				return r
			}
		}
		return ""
	}

	now := n.now()
	for pid, pc := range n.parts {
		if next.OwnerOf(pid) != n.local.ID || held(pid, n.local.ID) || source(pid) == "" {
			continue
		}
		pc.mu.Lock()
		pc.awaitUntil = now.Add(n.cfg.MigrationTimeout)
		pc.mu.Unlock()
	}
	n.table.Store(next)
	Logger.Infof("node %s: new partition table %s (%d moves)", n.local.ID, next, len(moves))

	var errs error
	failed := make(map[int]bool)
	for pid := range n.parts {
		if source(pid) != n.local.ID {
			continue
		}
		if to := next.OwnerOf(pid); to != n.local.ID && to != old.OwnerOf(pid) {
			if err := n.migratePartition(ctx, pid, to, false); err != nil {
				failed[pid] = true
				errs = errors.CombineErrors(errs, err)
				continue
			}
		}
		for _, r := range next.ReplicasOf(pid) {
			if r == n.local.ID || held(pid, r) {
				continue
			}
			if err := n.migratePartition(ctx, pid, r, true); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
		}
	}

	for pid, pc := range n.parts {
		if failed[pid] || next.OwnerOf(pid) == n.local.ID || next.IsReplica(pid, n.local.ID) {
			continue
		}
		pc.mu.Lock()
		pc.reset()
		pc.mu.Unlock()
	}
	return errs
}

// migratePartition sends the content of a partition to member. The region
// stays locked until the member acknowledged, so no write falls in between.
func (n *Node) migratePartition(ctx context.Context, pid int, member string, replica bool) error {
	n.metrics.migrations.Inc()
	pc := n.parts[pid]
	pc.mu.Lock()
	defer pc.mu.Unlock()

	data := &PartitionData{Partition: pid, Source: n.local.ID, Replica: replica}
	for _, name := range pc.mapNames() {
		st := pc.stores[name]
		data.Maps = append(data.Maps, MapData{Config: st.Config(), Entries: st.Snapshot()})
	}
	for _, l := range pc.txns.Prepared() {
		data.Txns = append(data.Txns, l.Clone())
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.MigrationTimeout)
	defer cancel()
	if err := n.peer.Migrate(ctx, member, data); err != nil {
		Logger.Errorf("node %s: migrating partition %d to %s failed: %v", n.local.ID, pid, member, err)
		return errors.Wrapf(err, "migrate partition %d to %s", pid, member)
	}
	Logger.Debugf("node %s: migrated partition %d to %s (replica=%v, %d maps)", n.local.ID, pid, member, replica, len(data.Maps))
	return nil
}

// InstallPartition replaces the local content of a partition with data sent
// by its previous owner (or its owner, for a replica).
func (n *Node) InstallPartition(ctx context.Context, data *PartitionData) error {
	n.metrics.op("install-partition")
	if n.closed.Load() {
		return ErrNodeClosed
	}
	pc, err := n.partition(data.Partition)
	if err != nil {
		return err
	}
	states := make([]*mapState, len(data.Maps))
	for i, md := range data.Maps {
		if _, found, err := n.registry.GetMap(md.Config.Name); err == nil && !found {
			if err := n.registry.PutMap(md.Config); err != nil {
				return err
			}
		}
		if states[i], err = n.mapState(ctx, md.Config.Name); err != nil {
			return err
		}
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, st := range pc.stores {
		st.EvictAll(nil)
	}
	for i, md := range data.Maps {
		st, err := pc.store(n, states[i])
		if err != nil {
			return err
		}
		st.Install(md.Entries)
	}
	deadline := n.now().Add(n.cfg.PrepareTTL)
	for _, l := range data.Txns {
		if err := pc.txns.Prepare(l, deadline); err != nil {
			if !errors.Is(err, txn.ErrAlreadyFinished) {
				return err
			}
			continue
		}
		if !data.Replica {
			for _, k := range logKeys(l) {
				pc.lockStore(k.mapName).Lock(k.key, l.TxnID, n.cfg.PrepareTTL)
			}
		}
	}
	if !data.Replica {
		pc.awaitUntil = n.now()
	}
	Logger.Debugf("node %s: installed partition %d from %s (replica=%v)", n.local.ID, data.Partition, data.Source, data.Replica)
	return nil
}
