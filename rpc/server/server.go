package server

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/lib/mapstore"
	"github.com/ValentinKolb/dMap/lib/metastore"
	"github.com/ValentinKolb/dMap/lib/metastore/dmeta"
	"github.com/ValentinKolb/dMap/lib/metastore/lmeta"
	"github.com/ValentinKolb/dMap/rpc/client"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc-server")

// RPCServer serves one member of the cluster: it owns the node, the
// membership, the registry and the peer client, and dispatches requests
// arriving at the transport to the adapters.
type RPCServer struct {
	config      common.ServerConfig
	transport   transport.IRPCServerTransport
	peerFactory transport.ClientFactory
	serializer  serializer.IRPCSerializer

	handlers   map[common.MessageType]IRPCServerAdapter
	node       *mapservice.Node
	membership cluster.Membership
	peer       *client.PeerClient
	nodeHost   *dragonboat.NodeHost
	stores     *xsync.MapOf[string, *mapstore.MemoryStore]

	ctx    context.Context
	cancel context.CancelFunc

	changed   chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
}

// NewRPCServer creates a new RPC server. The peer factory creates the client
// transports used for calls to other members.
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		tcp.NewTCPClientTransport,
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	peerFactory transport.ClientFactory,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RPCServer{
		config:      config,
		transport:   transport,
		peerFactory: peerFactory,
		serializer:  serializer,
		handlers:    make(map[common.MessageType]IRPCServerAdapter),
		stores:      xsync.NewMapOf[string, *mapstore.MemoryStore](),
		ctx:         ctx,
		cancel:      cancel,
		changed:     make(chan struct{}, 1),
	}
	for _, adapter := range []IRPCServerAdapter{
		NewMapServerAdapter(),
		NewLockServerAdapter(),
		NewTxnServerAdapter(),
		NewClusterServerAdapter(),
		NewEventServerAdapter(),
	} {
		for _, t := range adapter.Types() {
			s.handlers[t] = adapter
		}
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())
	return s
}

// Start builds the registry, the membership and the node. Serve calls it,
// it can be called before to use the node without listening.
func (s *RPCServer) Start() error {
	s.startOnce.Do(func() {
		s.startErr = s.init()
	})
	return s.startErr
}

// Serve starts the server and blocks until Close is called.
func (s *RPCServer) Serve() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.transport.RegisterHandler(s.handle)
	return s.transport.Listen(s.config)
}

// Node returns the node of the server, nil before Start.
func (s *RPCServer) Node() *mapservice.Node {
	return s.node
}

// MapStore returns the in-memory map store of a map, nil unless the server
// runs with the memory map store.
func (s *RPCServer) MapStore(mapName string) *mapstore.MemoryStore {
	store, _ := s.stores.Load(mapName)
	return store
}

// Close stops the transport, leaves the cluster and closes the node.
func (s *RPCServer) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if cerr := s.transport.Close(); cerr != nil {
			err = errors.CombineErrors(err, errors.Wrap(cerr, "close transport"))
		}
		s.wg.Wait()
		if s.membership != nil {
			if cerr := s.membership.Close(); cerr != nil {
				err = errors.CombineErrors(err, errors.Wrap(cerr, "leave cluster"))
			}
		}
		if s.node != nil {
			if cerr := s.node.Close(ctx); cerr != nil {
				err = errors.CombineErrors(err, cerr)
			}
		}
		if s.peer != nil {
			if cerr := s.peer.Close(); cerr != nil {
				err = errors.CombineErrors(err, errors.Wrap(cerr, "close peer client"))
			}
		}
		if s.nodeHost != nil {
			s.nodeHost.Close()
		}
		Logger.Infof("RPC Server %s closed", s.config.NodeID)
	})
	return err
}

// --------------------------------------------------------------------------
// Setup
// --------------------------------------------------------------------------

func (s *RPCServer) init() error {
	local := cluster.Member{ID: s.config.NodeID, Address: s.config.Advertise}
	if local.Address == "" {
		local.Address = s.config.Transport.Endpoint
	}

	registry, err := s.createRegistry()
	if err != nil {
		return err
	}

	joining := false
	if s.config.Gossip.Bind != "" {
		host, portStr, err := net.SplitHostPort(s.config.Gossip.Bind)
		if err != nil {
			return errors.Wrapf(err, "invalid gossip bind address %q", s.config.Gossip.Bind)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return errors.Wrapf(err, "invalid gossip port %q", portStr)
		}
		gossip, err := cluster.NewGossipMembership(local, cluster.GossipConfig{
			BindAddr: host,
			BindPort: port,
			Join:     s.config.Gossip.Join,
		})
		if err != nil {
			return err
		}
		s.membership = gossip
		// a member that found others through its seeds joins a running cluster
		joining = len(s.config.Gossip.Join) > 0 && len(gossip.Members()) > 1
	} else {
		members := make([]cluster.Member, len(s.config.Members))
		for i, m := range s.config.Members {
			members[i] = cluster.Member{ID: m.ID, Address: m.Address}
		}
		s.membership = cluster.NewStaticMembership(local, members)
	}

	s.peer = client.NewPeerClient(s.peerFactory, s.serializer, s.peerConfig(), func(id string) (string, bool) {
		m, ok := s.membership.MemberFor(id)
		return m.Address, ok
	})

	opts := mapservice.Options{
		Config: mapservice.Config{
			PartitionCount:   s.config.PartitionCount,
			BackupCount:      s.config.BackupCount,
			OperationTimeout: time.Duration(s.config.TimeoutSecond) * time.Second,
			BackupTimeout:    s.config.BackupTimeout,
			PrepareTTL:       s.config.PrepareTTL,
			CommitRetries:    s.config.CommitRetries,
			MigrationTimeout: s.config.MigrationTimeout,
		},
		Local:    local,
		Members:  s.membership.Members(),
		Registry: registry,
		Peer:     s.peer,
		Joining:  joining,
	}
	if s.config.MapStore == "memory" {
		opts.MapStores = func(mapName string) mapstore.MapStore {
			store, _ := s.stores.LoadOrCompute(mapName, mapstore.NewMemoryStore)
			return store
		}
	}

	if s.node, err = mapservice.NewNode(opts); err != nil {
		return err
	}
	s.node.Start()

	for _, cfg := range s.config.Maps {
		if err := s.node.DefineMap(s.ctx, cfg); err != nil {
			return errors.Wrapf(err, "define map %q", cfg.Name)
		}
	}

	s.membership.OnChange(func([]cluster.Member) {
		select {
		case s.changed <- struct{}{}:
		default:
		}
	})
	s.wg.Add(1)
	go s.watchMembers()

	Logger.Infof("dMap node %s set up with %d partitions", local.ID, s.node.Table().Count())
	return nil
}

// createRegistry returns the map definition registry of the configured mode
func (s *RPCServer) createRegistry() (metastore.IMetaStore, error) {
	switch s.config.Registry.Mode {
	case "", common.RegistryLocal:
		return lmeta.NewLocalMetaStore(), nil
	case common.RegistryRaft:
		nodeHost, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create node host: %w", err)
		}
		members := make(map[uint64]dragonboat.Target, len(s.config.Registry.Members))
		for id, addr := range s.config.Registry.Members {
			members[id] = addr
		}
		if err := nodeHost.StartConcurrentReplica(members, false, dmeta.CreateStateMachineFactory(), s.config.ToDragonboatConfig(common.RegistryShardID)); err != nil {
			nodeHost.Close()
			return nil, fmt.Errorf("failed to start registry shard: %w", err)
		}
		s.nodeHost = nodeHost
		timeout := time.Duration(s.config.TimeoutSecond) * time.Second
		return dmeta.NewDistributedMetaStore(nodeHost, common.RegistryShardID, timeout), nil
	default:
		return nil, errors.Newf("unknown registry mode %q", s.config.Registry.Mode)
	}
}

// peerConfig derives the client configuration of node to node calls
func (s *RPCServer) peerConfig() common.ClientConfig {
	return common.ClientConfig{
		TimeoutSecond: int(s.config.TimeoutSecond),
		Transport: common.ClientTransportConfig{
			RetryCount:             1,
			ConnectionsPerEndpoint: 1,
			SocketConf:             s.config.Transport.SocketConf,
			TCPConf:                s.config.Transport.TCPConf,
		},
	}
}

// watchMembers applies membership changes to the node one at a time.
// Changes arriving during a rebalance are coalesced into the next one.
func (s *RPCServer) watchMembers() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.changed:
		}
		members := s.membership.Members()
		Logger.Infof("membership changed: %v", members)
		if err := s.node.SetMembers(s.ctx, members); err != nil {
			Logger.Warningf("failed to apply member change: %v", err)
		}
	}
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// handle is the transport handler: it decodes the request, runs it and
// encodes the response. Failures are always answered with an error message.
func (s *RPCServer) handle(partitionID uint64, req []byte) []byte {
	resp := s.dispatch(partitionID, req)
	data, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("failed to serialize %s response: %v", resp.MsgType, err)
		data, _ = s.serializer.Serialize(*common.NewErrorResponse(common.RetCInternal,
			fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return data
}

func (s *RPCServer) dispatch(partitionID uint64, req []byte) *common.Message {
	// a request for a partition this member does not own is rejected before decoding
	if partitionID != common.NoPartition {
		table := s.node.Table()
		if partitionID >= uint64(table.Count()) {
			return common.NewErrorResponse(common.RetCInvalid,
				fmt.Sprintf("partition %d out of range [0,%d)", partitionID, table.Count()))
		}
		if owner := table.OwnerOf(int(partitionID)); owner != s.node.ID() {
			return common.NewErrorResponse(common.RetCWrongTarget,
				fmt.Sprintf("partition %d is owned by %s", partitionID, owner))
		}
	}

	var msg common.Message
	if err := s.serializer.Deserialize(req, &msg); err != nil {
		return common.NewErrorResponse(common.RetCInvalid, fmt.Sprintf("failed to deserialize request: %s", err))
	}

	adapter, ok := s.handlers[msg.MsgType]
	if !ok {
		return common.NewErrorResponse(common.RetCUnsupported,
			fmt.Sprintf("unsupported message type: %s", msg.MsgType))
	}

	start := time.Now()
	resp := adapter.Handle(s.ctx, &msg, s.node)
	Logger.Debugf("%s on %q took %s", msg.MsgType, msg.MapName, time.Since(start))
	return resp
}
