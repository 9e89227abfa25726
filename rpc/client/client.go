package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/metastore"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// defaultTimeout bounds the setup of a client without configured timeout
const defaultTimeout = 10 * time.Second

// Client is the entry point of an application to a dMap cluster. It keeps
// the partition table, one connection per member and a proxy per map.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	id      string
	config  common.ClientConfig
	inv     *Invoker
	events  *remoteEvents
	proxies *xsync.MapOf[string, *MapProxy]
	mapsMu  sync.Mutex // serializes proxy creation
	closed  atomic.Bool
}

// NewClient creates a client and fetches the partition table from the
// configured endpoints. The transport factory creates one transport per
// member.
//
// Usage:
//
//	c, err := client.NewClient(
//		common.ClientConfig{
//			TimeoutSecond: 5,
//			Transport:     common.ClientTransportConfig{Endpoints: []string{"localhost:8080"}},
//		},
//		tcp.NewTCPClientTransport,
//		serializer.NewBinarySerializer(),
//	)
//	if err != nil {
//		panic(err)
//	}
//	defer c.Shutdown(context.Background())
//
//	users, _ := c.Map(ctx, "users", nil)
//	_, _, err = users.Put(ctx, []byte("alice"), []byte(`{"age":31}`))
func NewClient(
	config common.ClientConfig,
	factory transport.ClientFactory,
	serializer serializer.IRPCSerializer,
) (*Client, error) {
	if len(config.Transport.Endpoints) == 0 {
		return nil, errors.New("no endpoints provided")
	}
	inv := NewInvoker(config, factory, serializer)
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOrDefault(config))
	defer cancel()
	if err := inv.Refresh(ctx); err != nil {
		_ = inv.Close()
		return nil, err
	}

	id := config.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	c := &Client{
		id:      id,
		config:  config,
		inv:     inv,
		events:  &remoteEvents{inv: inv},
		proxies: xsync.NewMapOf[string, *MapProxy](),
	}
	Logger.Infof("client %s connected to %d member(s)", c.id, len(inv.Table().Members()))
	return c, nil
}

// ID returns the client id. It is the lock owner of every operation issued
// through the proxies of the client.
func (c *Client) ID() string { return c.id }

// Invoker returns the invocation layer of the client.
func (c *Client) Invoker() *Invoker { return c.inv }

// Table returns the current partition table.
func (c *Client) Table() *cluster.PartitionTable { return c.inv.Table() }

// Events returns the remote invalidation event channel.
func (c *Client) Events() events.Channel { return c.events }

// Map returns the proxy of a map. With a nil cfg the map is used with its
// cluster wide definition and the near cache of the client configuration;
// a non nil cfg is defined on the cluster first. Proxies are cached by name,
// the configuration of the first call wins.
func (c *Client) Map(ctx context.Context, name string, cfg *config.MapConfig) (*MapProxy, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if p, ok := c.proxies.Load(name); ok {
		return p, nil
	}
	c.mapsMu.Lock()
	defer c.mapsMu.Unlock()
	if p, ok := c.proxies.Load(name); ok {
		return p, nil
	}

	nearCache := c.config.NearCache
	if cfg != nil {
		def := *cfg
		def.Name = name
		if err := c.DefineMap(ctx, def); err != nil {
			return nil, err
		}
		nearCache = def.NearCache
	}
	p := newMapProxy(c, name, nearCache)
	c.proxies.Store(name, p)
	return p, nil
}

// DefineMap registers a map definition on every member.
func (c *Client) DefineMap(ctx context.Context, cfg config.MapConfig) error {
	cfg, err := metastore.Prepare(cfg)
	if err != nil {
		return err
	}
	req := &common.Message{MsgType: common.MsgTDefineMap, MapName: cfg.Name, Partition: -1}
	if err := req.SetPayload(cfg); err != nil {
		return err
	}
	results, err := c.inv.InvokeOnAllMembers(ctx, req)
	if err != nil {
		return err
	}
	return firstError(results)
}

// MapConfig returns the definition a map is served with.
func (c *Client) MapConfig(ctx context.Context, name string) (config.MapConfig, error) {
	var cfg config.MapConfig
	table, err := c.table(ctx)
	if err != nil {
		return cfg, err
	}
	m, ok := table.Member(table.OwnerOf(0))
	if !ok {
		return cfg, errors.New("partition table has no members")
	}
	resp, err := c.inv.InvokeOnMember(ctx, m, common.NewMapRequest(common.MsgTMapConfig, name))
	if err != nil {
		return cfg, err
	}
	err = resp.DecodePayload(&cfg)
	return cfg, err
}

// NewTransaction starts a transaction spanning any map of the cluster.
func (c *Client) NewTransaction() *Transaction {
	return newTransaction(c, "")
}

// Shutdown destroys the local state of every proxy (near caches, event
// subscriptions) and closes the connections. The maps stay in the cluster.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.proxies.Range(func(name string, p *MapProxy) bool {
		p.destroyLocal()
		c.proxies.Delete(name)
		return true
	})
	Logger.Infof("client %s shut down", c.id)
	return c.inv.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Client) table(ctx context.Context) (*cluster.PartitionTable, error) {
	if t := c.inv.Table(); t != nil {
		return t, nil
	}
	if err := c.inv.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.inv.Table(), nil
}

func (c *Client) forget(name string) {
	c.proxies.Delete(name)
}

func timeoutOrDefault(config common.ClientConfig) time.Duration {
	if t := config.Timeout(); t > 0 {
		return t
	}
	return defaultTimeout
}
