package mapservicetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/lib/metastore"
	"github.com/ValentinKolb/dMap/lib/metastore/lmeta"
	"github.com/ValentinKolb/dMap/lib/query"
)

// Cluster is a set of nodes connected by a LocalNetwork, sharing one map
// registry.
type Cluster struct {
	Network  *mapservice.LocalNetwork
	Nodes    []*mapservice.Node
	Members  []cluster.Member
	Registry metastore.IMetaStore
	opts     mapservice.Options
	t        testing.TB
}

// Options tune the nodes of a test cluster. Local, Members, Registry and Peer
// are filled in per node.
type Options = mapservice.Options

// SmallConfig is a configuration with few partitions and short timeouts.
func SmallConfig() mapservice.Config {
	cfg := mapservice.DefaultConfig()
	cfg.PartitionCount = 16
	cfg.OperationTimeout = 2 * time.Second
	cfg.BackupTimeout = 200 * time.Millisecond
	cfg.PrepareTTL = time.Second
	cfg.ReaperInterval = 20 * time.Millisecond
	cfg.MigrationTimeout = time.Second
	return cfg
}

// NewCluster starts size nodes. The cluster is closed when the test ends.
func NewCluster(t testing.TB, size int, opts Options) *Cluster {
	t.Helper()
	if opts.Config.PartitionCount == 0 {
		opts.Config = SmallConfig()
	}
	c := &Cluster{
		Network:  mapservice.NewLocalNetwork(),
		Registry: lmeta.NewLocalMetaStore(),
		opts:     opts,
		t:        t,
	}
	for i := 0; i < size; i++ {
		c.Members = append(c.Members, memberFor(i))
	}
	for _, m := range c.Members {
		c.Nodes = append(c.Nodes, c.newNode(m, c.Members, false))
	}
	t.Cleanup(c.Close)
	return c
}

func memberFor(i int) cluster.Member {
	return cluster.Member{ID: fmt.Sprintf("node-%d", i), Address: fmt.Sprintf("local-%d", i)}
}

func (c *Cluster) newNode(m cluster.Member, members []cluster.Member, joining bool) *mapservice.Node {
	c.t.Helper()
	opts := c.opts
	opts.Joining = joining
	opts.Local = m
	opts.Members = members
	opts.Registry = c.Registry
	opts.Peer = c.Network
	n, err := mapservice.NewNode(opts)
	if err != nil {
		c.t.Fatalf("create node %s: %v", m.ID, err)
	}
	c.Network.Register(n)
	n.Start()
	return n
}

// Node returns the node of a member id, nil if unknown.
func (c *Cluster) Node(id string) *mapservice.Node {
	for _, n := range c.Nodes {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

// Owner returns the node owning key.
func (c *Cluster) Owner(key []byte) *mapservice.Node {
	table := c.Nodes[0].Table()
	return c.Node(table.OwnerOf(table.PartitionFor(key)))
}

// Replicas returns the nodes holding backups of key.
func (c *Cluster) Replicas(key []byte) []*mapservice.Node {
	table := c.Nodes[0].Table()
	var out []*mapservice.Node
	for _, id := range table.ReplicasOf(table.PartitionFor(key)) {
		out = append(out, c.Node(id))
	}
	return out
}

// Join adds a new node and rebalances the partitions.
func (c *Cluster) Join() *mapservice.Node {
	c.t.Helper()
	m := memberFor(len(c.Members))
	members := append(append([]cluster.Member(nil), c.Members...), m)
	n := c.newNode(m, members, true)
	c.Nodes = append(c.Nodes, n)
	c.Members = members
	c.setMembers(members)
	return n
}

// Leave removes a node without handing over its partitions, like a crash.
func (c *Cluster) Leave(id string) {
	c.t.Helper()
	c.Network.SetDown(id, true)
	var members []cluster.Member
	var nodes []*mapservice.Node
	for i, m := range c.Members {
		if m.ID == id {
			_ = c.Nodes[i].Close(context.Background())
			continue
		}
		members = append(members, m)
		nodes = append(nodes, c.Nodes[i])
	}
	c.Members, c.Nodes = members, nodes
	c.setMembers(members)
}

// setMembers applies a member list on every node.
func (c *Cluster) setMembers(members []cluster.Member) {
	for i := range c.Nodes {
		if err := c.Nodes[i].SetMembers(context.Background(), members); err != nil {
			c.t.Fatalf("set members on %s: %v", c.Nodes[i].ID(), err)
		}
	}
}

// Query runs p on every node and merges the partials.
func (c *Cluster) Query(ctx context.Context, mapName string, p *query.Predicate) ([]query.Entry, error) {
	var partials []query.Partial
	for _, n := range c.Nodes {
		partial, err := n.Query(ctx, mapName, p, nil, query.IterEntries)
		if err != nil {
			return nil, err
		}
		partials = append(partials, partial)
	}
	return query.Merge(c.Nodes[0].Table().Count(), partials)
}

// Size sums the local sizes of every node.
func (c *Cluster) Size(ctx context.Context, mapName string) (int, error) {
	total := 0
	for _, n := range c.Nodes {
		size, err := n.Size(ctx, mapName)
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

// Close stops every node.
func (c *Cluster) Close() {
	for _, n := range c.Nodes {
		_ = n.Close(context.Background())
	}
}
