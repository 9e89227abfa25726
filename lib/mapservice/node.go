package mapservice

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/index"
	"github.com/ValentinKolb/dMap/lib/mapstore"
	"github.com/ValentinKolb/dMap/lib/metastore"
	"github.com/ValentinKolb/dMap/lib/metastore/lmeta"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/lib/recordstore"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("mapservice")

// Options configures NewNode.
type Options struct {
	Config Config
	// Local is this member. Its ID must be unique in the cluster.
	Local cluster.Member
	// Members is the initial member list; Local is added if missing.
	Members []cluster.Member
	// Registry resolves map definitions. nil: a registry private to this node.
	Registry metastore.IMetaStore
	// MapStores returns the persistence connector of a map, nil for none.
	MapStores func(mapName string) mapstore.MapStore
	// Peer reaches the other members. Required as soon as there is more than one.
	Peer  Peer
	Clock func() time.Time
	// Joining marks a node added to a running cluster: its partitions are not
	// served until the previous owners migrated them.
	Joining bool
}

// Node serves the partitions the partition table assigns to its member.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Node struct {
	cfg       Config
	local     cluster.Member
	table     atomic.Pointer[cluster.PartitionTable]
	parts     []*PartitionContainer
	maps      *xsync.MapOf[string, *mapState]
	mapsMu    sync.Mutex // serializes map state creation
	registry  metastore.IMetaStore
	mapStores func(mapName string) mapstore.MapStore
	peer      Peer
	bus       *events.Bus
	coord     *txn.Coordinator
	metrics   *nodeMetrics
	arena     *record.Arena // shared by all NATIVE stores of the node
	now       func() time.Time
	membersMu sync.Mutex // serializes SetMembers

	stop      chan struct{}
	wg        sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// mapState is the node wide state of one map: its definition, index set,
// format strategy and map store writer, shared by all its partition stores.
type mapState struct {
	name    string
	mu      sync.RWMutex
	cfg     config.MapConfig
	indexes *index.Indexes
	format  record.Format
	writer  *mapstore.Writer // nil without map store
	load    sync.Once
}

func (ms *mapState) config() config.MapConfig {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.cfg
}

// NewNode creates a node. Start launches its background work.
func NewNode(opts Options) (*Node, error) {
	if opts.Local.ID == "" {
		return nil, errors.New("node: local member id is required")
	}
	cfg := opts.Config.withDefaults()
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = lmeta.NewLocalMetaStore()
	}
	members := slices.Clone(opts.Members)
	if !slices.ContainsFunc(members, func(m cluster.Member) bool { return m.ID == opts.Local.ID }) {
		members = append(members, opts.Local)
	}
	if len(members) > 1 && opts.Peer == nil {
		return nil, errors.Newf("node %s: a peer is required for %d members", opts.Local.ID, len(members))
	}

	n := &Node{
		cfg:       cfg,
		local:     opts.Local,
		maps:      xsync.NewMapOf[string, *mapState](),
		registry:  opts.Registry,
		mapStores: opts.MapStores,
		peer:      opts.Peer,
		bus:       events.NewBus(opts.Local.ID, opts.Clock),
		metrics:   newNodeMetrics(),
		arena:     record.NewArena(),
		now:       opts.Clock,
		stop:      make(chan struct{}),
	}
	n.table.Store(cluster.NewPartitionTable(cfg.PartitionCount, cfg.BackupCount, members))
	n.parts = make([]*PartitionContainer, cfg.PartitionCount)
	for i := range n.parts {
		n.parts[i] = newPartitionContainer(i, cfg.TxnRetention, n.now)
	}
	if opts.Joining {
		until := n.now().Add(cfg.MigrationTimeout)
		for _, pid := range n.ownedPartitions() {
			n.parts[pid].awaitUntil = until
		}
	}
	n.coord = txn.NewCoordinator(txn.CoordinatorConfig{
		Member:         opts.Local.ID,
		BackupTimeout:  cfg.BackupTimeout,
		PrepareTimeout: cfg.OperationTimeout,
		CommitRetries:  cfg.CommitRetries,
		RetryBackoff:   50 * time.Millisecond,
	}, topology{n}, participant{n})

	Logger.Infof("created node %s (%s)", opts.Local.ID, n.table.Load())
	return n, nil
}

// Start launches the reaper. It is a no-op when called twice.
func (n *Node) Start() {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	n.wg.Add(1)
	go n.runReaper()
}

// Close stops the background work, drains write-behind queues and closes
// every event subscription. The node rejects operations afterwards.
func (n *Node) Close(ctx context.Context) error {
	var err error
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		close(n.stop)
		n.wg.Wait()
		n.maps.Range(func(name string, ms *mapState) bool {
			if ms.writer != nil {
				if cerr := ms.writer.Close(ctx); cerr != nil {
					err = errors.CombineErrors(err, errors.Wrapf(cerr, "close map store of %q", name))
				}
			}
			return true
		})
		n.bus.Close()
		Logger.Infof("closed node %s", n.local.ID)
	})
	return err
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the member id of the node.
func (n *Node) ID() string { return n.local.ID }

// Member returns the member this node serves.
func (n *Node) Member() cluster.Member { return n.local }

// Table returns the current partition table.
func (n *Node) Table() *cluster.PartitionTable { return n.table.Load() }

// Events returns the bus invalidation events are published on.
func (n *Node) Events() *events.Bus { return n.bus }

// Registry returns the map definition registry.
func (n *Node) Registry() metastore.IMetaStore { return n.registry }

// Config returns the effective node configuration.
func (n *Node) Config() Config { return n.cfg }

// Arena returns the native memory arena, for leak checks.
func (n *Node) Arena() *record.Arena { return n.arena }

// --------------------------------------------------------------------------
// Map states
// --------------------------------------------------------------------------

// mapState returns the state of a map, creating it from the registry (or the
// default definition) on first use. It must not be called inside a
// partition region: an EAGER map store load enters the regions itself.
func (n *Node) mapState(ctx context.Context, name string) (*mapState, error) {
	if n.closed.Load() {
		return nil, ErrNodeClosed
	}
	if name == "" {
		return nil, ErrInvalidMapName
	}
	ms, ok := n.maps.Load(name)
	if !ok {
		var err error
		if ms, err = n.createMapState(name); err != nil {
			return nil, err
		}
	}
	ms.load.Do(func() { n.initialLoad(ctx, ms) })
	return ms, nil
}

func (n *Node) createMapState(name string) (*mapState, error) {
	n.mapsMu.Lock()
	defer n.mapsMu.Unlock()
	if ms, ok := n.maps.Load(name); ok {
		return ms, nil
	}
	cfg, found, err := n.registry.GetMap(name)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve map %q", name)
	}
	if !found {
		cfg = config.DefaultMapConfig(name)
	}
	format, err := record.NewFormat(cfg.InMemoryFormat, n.arena)
	if err != nil {
		return nil, errors.Wrapf(err, "map %q", name)
	}
	ms := &mapState{
		name:    name,
		cfg:     cfg,
		indexes: index.NewIndexes(cfg.Indexes),
		format:  format,
	}
	if cfg.MapStore.Enabled && n.mapStores != nil {
		if store := n.mapStores(name); store != nil {
			ms.writer = mapstore.NewWriter(store, cfg.MapStore, n.cfg.MapStoreTimeout)
		}
	}
	n.maps.Store(name, ms)
	n.metrics.trackMap(name, func() float64 { return float64(n.localEntries(name)) })
	Logger.Debugf("node %s: created map %s", n.local.ID, cfg)
	return ms, nil
}

// initialLoad loads the owned keys of an EAGER map store once.
func (n *Node) initialLoad(ctx context.Context, ms *mapState) {
	cfg := ms.config()
	if ms.writer == nil || cfg.MapStore.InitialLoad != config.InitialLoadEager {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.OperationTimeout)
	defer cancel()
	loaded, err := n.loadKeys(ctx, ms, nil, false)
	if err != nil {
		Logger.Warningf("node %s: initial load of %q failed: %v", n.local.ID, ms.name, err)
		return
	}
	Logger.Infof("node %s: loaded %d entries of %q", n.local.ID, loaded, ms.name)
}

// DefineMap registers a map definition. Stores created afterwards use it;
// indexes of the definition are also added to a map already in use.
func (n *Node) DefineMap(ctx context.Context, cfg config.MapConfig) error {
	n.metrics.op("define-map")
	cfg, err := metastore.Prepare(cfg)
	if err != nil {
		return err
	}
	if err := n.registry.PutMap(cfg); err != nil {
		return err
	}
	ms, ok := n.maps.Load(cfg.Name)
	if !ok {
		return nil
	}
	for _, idx := range cfg.Indexes {
		if err := n.addIndex(ctx, ms, idx); err != nil {
			return err
		}
	}
	return nil
}

// MapConfig returns the definition a map is served with.
func (n *Node) MapConfig(ctx context.Context, name string) (config.MapConfig, error) {
	ms, err := n.mapState(ctx, name)
	if err != nil {
		return config.MapConfig{}, err
	}
	return ms.config(), nil
}

// localEntries counts the records of a map in the partitions this node owns.
func (n *Node) localEntries(name string) int {
	total := 0
	for _, pid := range n.ownedPartitions() {
		if st := n.parts[pid].peekStore(name); st != nil {
			total += st.EntryCount()
		}
	}
	return total
}

// --------------------------------------------------------------------------
// Partition access
// --------------------------------------------------------------------------

func (n *Node) ownedPartitions() []int {
	return n.table.Load().PartitionsOwnedBy(n.local.ID)
}

func (n *Node) partition(pid int) (*PartitionContainer, error) {
	if pid < 0 || pid >= len(n.parts) {
		return nil, errors.Newf("partition %d out of range [0,%d)", pid, len(n.parts))
	}
	return n.parts[pid], nil
}

// enter locks the region of a partition this node owns and is ready to
// serve. The caller must unlock pc.mu.
func (n *Node) enter(pid int) (*PartitionContainer, error) {
	if n.closed.Load() {
		return nil, ErrNodeClosed
	}
	pc, err := n.partition(pid)
	if err != nil {
		return nil, err
	}
	pc.mu.Lock()
	if owner := n.table.Load().OwnerOf(pid); owner != n.local.ID {
		pc.mu.Unlock()
		return nil, errors.Wrapf(ErrWrongTarget, "partition %d is owned by %s", pid, owner)
	}
	if n.now().Before(pc.awaitUntil) {
		pc.mu.Unlock()
		return nil, errors.Wrapf(ErrWrongTarget, "partition %d is migrating", pid)
	}
	return pc, nil
}

// opContext applies the operation timeout to contexts without deadline.
func (n *Node) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.cfg.OperationTimeout)
}

// evictionListener publishes expirations seen by the owner of a partition.
func (n *Node) evictionListener(mapName string, pid int) func(key []byte, reason recordstore.EvictionReason) {
	return func(key []byte, reason recordstore.EvictionReason) {
		if reason != recordstore.ReasonExpired || n.table.Load().OwnerOf(pid) != n.local.ID {
			return
		}
		n.publish(events.Expired, mapName, key)
	}
}

func (n *Node) publish(t events.Type, mapName string, key []byte) {
	n.bus.Publish(events.Event{Type: t, Map: mapName, Key: key})
}

// --------------------------------------------------------------------------
// Transaction topology and participant
// --------------------------------------------------------------------------

// topology exposes the current partition table to the coordinator.
type topology struct{ n *Node }

func (t topology) PartitionFor(key []byte) int       { return t.n.table.Load().PartitionFor(key) }
func (t topology) OwnerOf(partition int) string      { return t.n.table.Load().OwnerOf(partition) }
func (t topology) ReplicasOf(partition int) []string { return t.n.table.Load().ReplicasOf(partition) }

// participant dispatches coordinator calls to this node or through the peer.
type participant struct{ n *Node }

func (p participant) remote(member string) (Peer, error) {
	if p.n.peer == nil {
		return nil, errors.Wrapf(ErrUnreachable, "no peer configured to reach %s", member)
	}
	return p.n.peer, nil
}

func (p participant) Prepare(ctx context.Context, member string, log *txn.Log) (*txn.Log, error) {
	if member == p.n.local.ID {
		return p.n.TxnPrepare(ctx, log.Clone())
	}
	peer, err := p.remote(member)
	if err != nil {
		return nil, err
	}
	return peer.TxnPrepare(ctx, member, log)
}

func (p participant) BackupPrepare(ctx context.Context, member string, log *txn.Log) error {
	if member == p.n.local.ID {
		return p.n.TxnBackupPrepare(ctx, log.Clone())
	}
	peer, err := p.remote(member)
	if err != nil {
		return err
	}
	return peer.TxnBackupPrepare(ctx, member, log)
}

func (p participant) Commit(ctx context.Context, member string, partition int, txnID string, backup bool) error {
	if member == p.n.local.ID {
		return p.n.TxnCommit(ctx, partition, txnID, backup)
	}
	peer, err := p.remote(member)
	if err != nil {
		return err
	}
	return peer.TxnCommit(ctx, member, partition, txnID, backup)
}

func (p participant) Rollback(ctx context.Context, member string, partition int, txnID string, backup bool) error {
	if member == p.n.local.ID {
		return p.n.TxnRollback(ctx, partition, txnID, backup)
	}
	peer, err := p.remote(member)
	if err != nil {
		return err
	}
	return peer.TxnRollback(ctx, member, partition, txnID, backup)
}
