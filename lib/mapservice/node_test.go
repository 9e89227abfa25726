package mapservice_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/lockstore"
	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/lib/mapservice/mapservicetest"
	"github.com/ValentinKolb/dMap/lib/mapstore"
	"github.com/ValentinKolb/dMap/lib/query"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mapName = "orders"

func key(i int) []byte { return []byte(fmt.Sprintf("key-%03d", i)) }

// nonOwner returns a node of the cluster that does not own key.
func nonOwner(c *mapservicetest.Cluster, k []byte) *mapservice.Node {
	owner := c.Owner(k)
	for _, n := range c.Nodes {
		if n != owner {
			return n
		}
	}
	return nil
}

// drain collects the events a subscription received within wait.
func drain(t *testing.T, sub *events.Subscription, want int, wait time.Duration) []*events.Event {
	t.Helper()
	var out []*events.Event
	deadline := time.Now().Add(wait)
	for len(out) < want && time.Now().Before(deadline) {
		evts, ok := sub.Poll(context.Background(), want-len(out), 20*time.Millisecond)
		require.True(t, ok)
		out = append(out, evts...)
	}
	return out
}

func TestSingleNodeWithoutPeer(t *testing.T) {
	n, err := mapservice.NewNode(mapservice.Options{Config: mapservicetest.SmallConfig()})
	require.Error(t, err, "a member id is required")
	assert.Nil(t, n)

	opts := mapservice.Options{Config: mapservicetest.SmallConfig()}
	opts.Local.ID = "solo"
	n, err = mapservice.NewNode(opts)
	require.NoError(t, err)
	defer n.Close(context.Background())

	ctx := context.Background()
	old, existed, err := n.Put(ctx, mapName, []byte("a"), []byte("1"), record.UseDefaultTTL, "")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Nil(t, old)

	value, found, err := n.Get(ctx, mapName, []byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), value)

	_, _, err = n.Get(ctx, "", []byte("a"))
	assert.ErrorIs(t, err, mapservice.ErrInvalidMapName)
	_, _, err = n.Put(ctx, mapName, nil, []byte("1"), 0, "")
	assert.ErrorIs(t, err, record.ErrInvalidKey)
	_, _, err = n.Put(ctx, mapName, []byte("a"), nil, 0, "")
	assert.ErrorIs(t, err, record.ErrInvalidValue)
}

func TestPutIsReplicated(t *testing.T) {
	c := mapservicetest.NewCluster(t, 3, mapservicetest.Options{})
	ctx := context.Background()
	k := key(1)

	owner := c.Owner(k)
	_, _, err := owner.Put(ctx, mapName, k, []byte("v1"), record.UseDefaultTTL, "")
	require.NoError(t, err)

	replicas := c.Replicas(k)
	require.Len(t, replicas, 1)
	view, ok := replicas[0].LocalEntry(mapName, k)
	require.True(t, ok, "replica holds the entry")
	assert.Equal(t, []byte("v1"), view.Value)

	old, existed, err := owner.Remove(ctx, mapName, k, "")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []byte("v1"), old)
	_, ok = replicas[0].LocalEntry(mapName, k)
	assert.False(t, ok, "removal is replicated")
}

func TestWrongTarget(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	k := key(2)

	other := nonOwner(c, k)
	_, _, err := other.Put(ctx, mapName, k, []byte("x"), 0, "")
	assert.ErrorIs(t, err, mapservice.ErrWrongTarget)
	_, _, err = other.Get(ctx, mapName, k)
	assert.ErrorIs(t, err, mapservice.ErrWrongTarget)
}

func TestBackupFailureRestoresPrimary(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	k := key(3)
	owner := c.Owner(k)

	_, _, err := owner.Put(ctx, mapName, k, []byte("before"), record.UseDefaultTTL, "")
	require.NoError(t, err)

	replica := c.Replicas(k)[0]
	c.Network.SetDown(replica.ID(), true)
	_, _, err = owner.Put(ctx, mapName, k, []byte("after"), record.UseDefaultTTL, "")
	require.ErrorIs(t, err, txn.ErrReplicationFailed)
	assert.GreaterOrEqual(t, owner.BackupFailures(), uint64(1))

	value, found, err := owner.Get(ctx, mapName, k)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("before"), value, "primary restored after failed backup")

	// a failed insert leaves no trace either
	fresh := key(4)
	freshOwner := c.Owner(fresh)
	if freshOwner == owner {
		_, _, err = owner.Put(ctx, mapName, fresh, []byte("x"), record.UseDefaultTTL, "")
		require.ErrorIs(t, err, txn.ErrReplicationFailed)
		found, err = owner.ContainsKey(ctx, mapName, fresh)
		require.NoError(t, err)
		assert.False(t, found)
	}

	c.Network.SetDown(replica.ID(), false)
	_, _, err = owner.Put(ctx, mapName, k, []byte("after"), record.UseDefaultTTL, "")
	require.NoError(t, err)
}

func TestBackupTimeout(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	k := key(5)
	owner := c.Owner(k)
	replica := c.Replicas(k)[0]

	c.Network.SetDelay(replica.ID(), time.Second)
	start := time.Now()
	err := owner.Set(ctx, mapName, k, []byte("slow"), record.UseDefaultTTL, "")
	require.ErrorIs(t, err, txn.ErrReplicationFailed)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "bounded by the backup timeout")
}

func TestConditionalOperations(t *testing.T) {
	c := mapservicetest.NewCluster(t, 1, mapservicetest.Options{})
	n := c.Nodes[0]
	ctx := context.Background()
	k := key(6)

	current, stored, err := n.PutIfAbsent(ctx, mapName, k, []byte("a"), record.UseDefaultTTL, "")
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Nil(t, current)

	current, stored, err = n.PutIfAbsent(ctx, mapName, k, []byte("b"), record.UseDefaultTTL, "")
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, []byte("a"), current)

	ok, err := n.ReplaceIfSame(ctx, mapName, k, []byte("wrong"), []byte("c"), "")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = n.ReplaceIfSame(ctx, mapName, k, []byte("a"), []byte("c"), "")
	require.NoError(t, err)
	assert.True(t, ok)

	old, replaced, err := n.Replace(ctx, mapName, k, []byte("d"), "")
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, []byte("c"), old)

	_, replaced, err = n.Replace(ctx, mapName, key(7), []byte("d"), "")
	require.NoError(t, err)
	assert.False(t, replaced, "replace never inserts")

	ok, err = n.RemoveIfSame(ctx, mapName, k, []byte("c"), "")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = n.RemoveIfSame(ctx, mapName, k, []byte("d"), "")
	require.NoError(t, err)
	assert.True(t, ok)

	existed, err := n.Delete(ctx, mapName, k, "")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestEntryEvents(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	k := key(8)
	owner := c.Owner(k)

	sub := owner.Events().Register(mapName)
	defer sub.Unsubscribe()

	_, _, err := owner.Put(ctx, mapName, k, []byte("1"), record.UseDefaultTTL, "")
	require.NoError(t, err)
	_, _, err = owner.Put(ctx, mapName, k, []byte("2"), record.UseDefaultTTL, "")
	require.NoError(t, err)
	_, err = owner.Evict(ctx, mapName, k, "")
	require.NoError(t, err)
	_, _, err = owner.Put(ctx, mapName, k, []byte("3"), record.UseDefaultTTL, "")
	require.NoError(t, err)
	_, _, err = owner.Remove(ctx, mapName, k, "")
	require.NoError(t, err)

	evts := drain(t, sub, 5, time.Second)
	require.Len(t, evts, 5)
	var types []events.Type
	for _, e := range evts {
		types = append(types, e.Type)
		assert.Equal(t, k, e.Key)
		assert.Equal(t, owner.ID(), e.Source)
	}
	assert.Equal(t, []events.Type{events.Added, events.Updated, events.Evicted, events.Added, events.Removed}, types)
}

func TestExpirationPublishesOnOwnerOnly(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	k := key(9)
	owner := c.Owner(k)
	replica := c.Replicas(k)[0]

	ownerSub := owner.Events().Register(mapName)
	replicaSub := replica.Events().Register(mapName)

	err := owner.Set(ctx, mapName, k, []byte("short"), 50*time.Millisecond, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := owner.LocalEntry(mapName, k)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "reaper sweeps the expired entry")

	evts := drain(t, ownerSub, 2, time.Second)
	require.Len(t, evts, 2)
	assert.Equal(t, events.Added, evts[0].Type)
	assert.Equal(t, events.Expired, evts[1].Type)

	extra, _ := replicaSub.Poll(ctx, 10, 100*time.Millisecond)
	assert.Empty(t, extra, "replicas never publish")
}

func TestLocksBlockOtherWriters(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	k := key(10)
	owner := c.Owner(k)

	require.NoError(t, owner.Lock(ctx, mapName, k, "alice", 0))
	require.NoError(t, owner.Lock(ctx, mapName, k, "alice", 0), "reentrant")
	locked, err := owner.IsLocked(ctx, mapName, k)
	require.NoError(t, err)
	assert.True(t, locked)

	ok, err := owner.TryPut(ctx, mapName, k, []byte("bob"), record.UseDefaultTTL, "bob", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = owner.TryLock(ctx, mapName, k, "bob", 0, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = owner.TryPut(ctx, mapName, k, []byte("alice"), record.UseDefaultTTL, "alice", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "the holder writes through its lock")

	assert.ErrorIs(t, owner.Unlock(ctx, mapName, k, "bob"), lockstore.ErrNotOwner)
	assert.ErrorIs(t, owner.Unlock(ctx, mapName, k, ""), mapservice.ErrInvalidOwner)
	require.NoError(t, owner.Unlock(ctx, mapName, k, "alice"))
	require.NoError(t, owner.Unlock(ctx, mapName, k, "alice"))

	done := make(chan error, 1)
	require.NoError(t, owner.Lock(ctx, mapName, k, "alice", 0))
	go func() {
		done <- owner.Set(ctx, mapName, k, []byte("waited"), record.UseDefaultTTL, "bob")
	}()
	time.Sleep(50 * time.Millisecond)
	forced, err := owner.ForceUnlock(ctx, mapName, k)
	require.NoError(t, err)
	assert.True(t, forced)
	require.NoError(t, <-done)

	value, _, err := owner.Get(ctx, mapName, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("waited"), value)
}

func TestLockLeaseExpires(t *testing.T) {
	c := mapservicetest.NewCluster(t, 1, mapservicetest.Options{})
	n := c.Nodes[0]
	ctx := context.Background()
	k := key(11)

	require.NoError(t, n.Lock(ctx, mapName, k, "alice", 50*time.Millisecond))
	ok, err := n.TryLock(ctx, mapName, k, "bob", 0, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lease ran out while waiting")
	owner, held, err := n.LockOwner(ctx, mapName, k)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "bob", owner)
}

func TestPutAllAndGetAll(t *testing.T) {
	c := mapservicetest.NewCluster(t, 1, mapservicetest.Options{})
	n := c.Nodes[0]
	ctx := context.Background()

	var entries []query.Entry
	var keys [][]byte
	for i := 0; i < 40; i++ {
		entries = append(entries, query.Entry{Key: key(i), Value: []byte(fmt.Sprintf("v%d", i))})
		keys = append(keys, key(i))
	}
	require.NoError(t, n.PutAll(ctx, mapName, entries, record.UseDefaultTTL, ""))

	got, err := n.GetAll(ctx, mapName, append(keys, []byte("missing")))
	require.NoError(t, err)
	assert.Len(t, got, 40)
	for _, e := range got {
		assert.True(t, bytes.HasPrefix(e.Value, []byte("v")))
	}

	size, err := n.Size(ctx, mapName)
	require.NoError(t, err)
	assert.Equal(t, 40, size)

	found, err := n.ContainsValue(ctx, mapName, []byte("v7"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPutAllRollsBackOnBackupFailure(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	owner := c.Nodes[0]

	// keys of one partition owned by node 0
	table := owner.Table()
	var batch []query.Entry
	for i := 0; len(batch) < 3 && i < 1000; i++ {
		k := key(i)
		if table.OwnerOf(table.PartitionFor(k)) == owner.ID() && (len(batch) == 0 || table.PartitionFor(k) == table.PartitionFor(batch[0].Key)) {
			batch = append(batch, query.Entry{Key: k, Value: []byte("x")})
		}
	}
	require.Len(t, batch, 3)

	c.Network.SetDown(c.Nodes[1].ID(), true)
	err := owner.PutAll(ctx, mapName, batch, record.UseDefaultTTL, "")
	require.ErrorIs(t, err, txn.ErrReplicationFailed)
	for _, e := range batch {
		_, ok := owner.LocalEntry(mapName, e.Key)
		assert.False(t, ok, "batch restored")
	}
}

func TestClearAndEvictAll(t *testing.T) {
	store := mapstore.NewMemoryStore()
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{
		MapStores: func(string) mapstore.MapStore { return store },
	})
	ctx := context.Background()
	cfg := config.DefaultMapConfig(mapName)
	cfg.MapStore.Enabled = true
	require.NoError(t, c.Nodes[0].DefineMap(ctx, cfg))

	for i := 0; i < 20; i++ {
		k := key(i)
		require.NoError(t, c.Owner(k).Set(ctx, mapName, k, []byte("v"), record.UseDefaultTTL, ""))
	}
	assert.Len(t, store.Snapshot(), 20, "write-through")

	evicted := 0
	for _, n := range c.Nodes {
		count, err := n.EvictAll(ctx, mapName)
		require.NoError(t, err)
		evicted += count
	}
	assert.Equal(t, 20, evicted)
	assert.Len(t, store.Snapshot(), 20, "evict keeps the map store")

	// misses load from the map store again
	value, found, err := c.Owner(key(3)).Get(ctx, mapName, key(3))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)

	cleared := 0
	for _, n := range c.Nodes {
		count, err := n.Clear(ctx, mapName)
		require.NoError(t, err)
		cleared += count
	}
	assert.Equal(t, 1, cleared, "only the reloaded entry was in memory")
	assert.Len(t, store.Snapshot(), 19, "clear deletes the cleared entries from the map store")

	size, err := c.Size(ctx, mapName)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestLoadAllFromMapStore(t *testing.T) {
	store := mapstore.NewMemoryStore()
	for i := 0; i < 10; i++ {
		require.NoError(t, store.Store(context.Background(), key(i), []byte("stored")))
	}
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{
		MapStores: func(string) mapstore.MapStore { return store },
	})
	ctx := context.Background()
	cfg := config.DefaultMapConfig(mapName)
	cfg.MapStore.Enabled = true
	require.NoError(t, c.Nodes[0].DefineMap(ctx, cfg))

	total := 0
	for _, n := range c.Nodes {
		loaded, err := n.LoadAll(ctx, mapName, nil, false)
		require.NoError(t, err)
		total += loaded
	}
	assert.Equal(t, 10, total)
	size, err := c.Size(ctx, mapName)
	require.NoError(t, err)
	assert.Equal(t, 10, size)
}

func TestQueryAcrossMembers(t *testing.T) {
	c := mapservicetest.NewCluster(t, 3, mapservicetest.Options{})
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		k := key(i)
		value := []byte(fmt.Sprintf(`{"age":%d,"city":"c%d"}`, i, i%3))
		require.NoError(t, c.Owner(k).Set(ctx, mapName, k, value, record.UseDefaultTTL, ""))
	}

	p := query.And(query.GreaterEqual("age", 10), query.Equal("city", "c1"))
	plain, err := c.Query(ctx, mapName, p)
	require.NoError(t, err)
	assert.Len(t, plain, 7)

	for _, n := range c.Nodes {
		require.NoError(t, n.AddIndex(ctx, mapName, "age", true))
		require.NoError(t, n.AddIndex(ctx, mapName, "city", false))
	}
	indexed, err := c.Query(ctx, mapName, p)
	require.NoError(t, err)
	assert.ElementsMatch(t, query.Keys(plain), query.Keys(indexed))

	cfg, found, err := c.Registry.GetMap(mapName)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cfg.HasIndex("age"))
}

func TestQueryWindowAndProjection(t *testing.T) {
	c := mapservicetest.NewCluster(t, 1, mapservicetest.Options{})
	n := c.Nodes[0]
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, n.Set(ctx, mapName, key(i), []byte(fmt.Sprintf(`{"rank":%d}`, 10-i)), record.UseDefaultTTL, ""))
	}
	w := &query.Window{SortBy: &query.SortBy{Attribute: "rank"}, Limit: 3}
	partial, err := n.Query(ctx, mapName, query.True(), w, query.IterKeys)
	require.NoError(t, err)
	require.Len(t, partial.Entries, 3)
	assert.Equal(t, [][]byte{key(9), key(8), key(7)}, query.Keys(partial.Entries), "sorted by rank before projection")
	for _, e := range partial.Entries {
		assert.Nil(t, e.Value, "keys projection")
	}
}

func TestTransactionCommitsEverywhere(t *testing.T) {
	c := mapservicetest.NewCluster(t, 3, mapservicetest.Options{})
	ctx := context.Background()
	require.NoError(t, c.Owner(key(2)).Set(ctx, mapName, key(2), []byte("old"), record.UseDefaultTTL, ""))

	ops := []txn.Op{
		{Map: mapName, Key: key(1), Kind: txn.OpPut, Value: []byte("a")},
		{Map: mapName, Key: key(2), Kind: txn.OpReplaceIfSame, Expected: []byte("old"), Value: []byte("b")},
		{Map: "other", Key: key(3), Kind: txn.OpSet, Value: []byte("c")},
	}
	require.NoError(t, c.Nodes[0].Transact(ctx, "", ops))

	for _, op := range ops {
		value, found, err := c.Owner(op.Key).Get(ctx, op.Map, op.Key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, op.Value, value)
		for _, r := range c.Replicas(op.Key) {
			view, ok := r.LocalEntry(op.Map, op.Key)
			assert.True(t, ok)
			assert.Equal(t, op.Value, view.Value)
		}
		locked, err := c.Owner(op.Key).IsLocked(ctx, op.Map, op.Key)
		require.NoError(t, err)
		assert.False(t, locked, "locks released after commit")
	}
}

func TestTransactionConflictChangesNothing(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	require.NoError(t, c.Owner(key(2)).Set(ctx, mapName, key(2), []byte("current"), record.UseDefaultTTL, ""))

	err := c.Nodes[1].Transact(ctx, "txn-conflict", []txn.Op{
		{Map: mapName, Key: key(1), Kind: txn.OpPut, Value: []byte("a")},
		{Map: mapName, Key: key(2), Kind: txn.OpRemoveIfSame, Expected: []byte("stale")},
	})
	require.ErrorIs(t, err, txn.ErrConflict)

	_, found, err := c.Owner(key(1)).Get(ctx, mapName, key(1))
	require.NoError(t, err)
	assert.False(t, found, "no partial commit")
	value, _, err := c.Owner(key(2)).Get(ctx, mapName, key(2))
	require.NoError(t, err)
	assert.Equal(t, []byte("current"), value)

	locked, err := c.Owner(key(1)).IsLocked(ctx, mapName, key(1))
	require.NoError(t, err)
	assert.False(t, locked, "locks released after rollback")

	// the id is burnt: a late prepare is rejected
	err = c.Nodes[1].Transact(ctx, "txn-conflict", []txn.Op{{Map: mapName, Key: key(1), Kind: txn.OpPut, Value: []byte("a")}})
	assert.True(t, errors.Is(err, txn.ErrAlreadyFinished))
}

func TestTransactionFailsWithoutReplica(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	k := key(4)
	c.Network.SetDown(c.Replicas(k)[0].ID(), true)

	err := c.Owner(k).Transact(ctx, "", []txn.Op{{Map: mapName, Key: k, Kind: txn.OpPut, Value: []byte("a")}})
	require.ErrorIs(t, err, txn.ErrReplicationFailed)
	_, ok := c.Owner(k).LocalEntry(mapName, k)
	assert.False(t, ok)
}

func TestMigrationOnJoin(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		k := key(i)
		require.NoError(t, c.Owner(k).Set(ctx, mapName, k, k, record.UseDefaultTTL, ""))
	}

	joined := c.Join()
	assert.NotEmpty(t, joined.Table().PartitionsOwnedBy(joined.ID()))

	for i := 0; i < 50; i++ {
		k := key(i)
		value, found, err := c.Owner(k).Get(ctx, mapName, k)
		require.NoError(t, err)
		require.True(t, found, "key %s after join", k)
		assert.Equal(t, k, value)
		for _, r := range c.Replicas(k) {
			_, ok := r.LocalEntry(mapName, k)
			assert.True(t, ok, "replica %s holds %s", r.ID(), k)
		}
	}
	size, err := c.Size(ctx, mapName)
	require.NoError(t, err)
	assert.Equal(t, 50, size)
}

func TestReplicaPromotedOnLeave(t *testing.T) {
	c := mapservicetest.NewCluster(t, 3, mapservicetest.Options{})
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		k := key(i)
		require.NoError(t, c.Owner(k).Set(ctx, mapName, k, k, record.UseDefaultTTL, ""))
	}

	c.Leave(c.Nodes[1].ID())
	for i := 0; i < 50; i++ {
		k := key(i)
		value, found, err := c.Owner(k).Get(ctx, mapName, k)
		require.NoError(t, err)
		require.True(t, found, "key %s after leave", k)
		assert.Equal(t, k, value)
	}
}

func TestDestroyMap(t *testing.T) {
	c := mapservicetest.NewCluster(t, 1, mapservicetest.Options{})
	n := c.Nodes[0]
	ctx := context.Background()
	cfg := config.DefaultMapConfig(mapName)
	cfg.BackupCount = 0
	require.NoError(t, n.DefineMap(ctx, cfg))
	require.NoError(t, n.Set(ctx, mapName, key(1), []byte("v"), record.UseDefaultTTL, ""))

	sub := n.Events().Register(mapName)
	require.NoError(t, n.DestroyMap(ctx, mapName))
	evts := drain(t, sub, 1, time.Second)
	require.Len(t, evts, 1)
	assert.Equal(t, events.ClearAll, evts[0].Type)

	_, found, err := c.Registry.GetMap(mapName)
	require.NoError(t, err)
	assert.False(t, found)
	size, err := n.Size(ctx, mapName)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestClosedNodeRejectsCalls(t *testing.T) {
	c := mapservicetest.NewCluster(t, 1, mapservicetest.Options{})
	n := c.Nodes[0]
	require.NoError(t, n.Close(context.Background()))
	_, _, err := n.Get(context.Background(), mapName, key(1))
	assert.ErrorIs(t, err, mapservice.ErrNodeClosed)
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestReaperDropsUnpolledRemoteSubscriptions(t *testing.T) {
	clk := &stepClock{t: time.Unix(5000, 0)}
	opts := mapservice.Options{Config: mapservicetest.SmallConfig(), Clock: clk.Now}
	opts.Config.SubscriptionIdle = time.Minute
	opts.Local.ID = "solo"
	n, err := mapservice.NewNode(opts)
	require.NoError(t, err)
	n.Start()
	defer n.Close(context.Background())

	local := n.Events().Register(mapName)
	defer local.Unsubscribe()
	remote := n.Events().RegisterPolled(mapName)
	require.Equal(t, 2, n.Events().Len())

	// a few reaper runs without the clock moving keep it
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, n.Events().Len())

	clk.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return n.Events().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, found := n.Events().Lookup(remote.ID)
	assert.False(t, found)
	_, found = n.Events().Lookup(local.ID)
	assert.True(t, found)
}

func TestEvictAllKeepsLockedKeys(t *testing.T) {
	c := mapservicetest.NewCluster(t, 2, mapservicetest.Options{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		k := key(i)
		require.NoError(t, c.Owner(k).Set(ctx, mapName, k, []byte("v"), record.UseDefaultTTL, ""))
	}
	locked := key(4)
	require.NoError(t, c.Owner(locked).Lock(ctx, mapName, locked, "alice", 0))

	evicted := 0
	for _, n := range c.Nodes {
		count, err := n.EvictAll(ctx, mapName)
		require.NoError(t, err)
		evicted += count
	}
	assert.Equal(t, 9, evicted)

	size, err := c.Size(ctx, mapName)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	value, found, err := c.Owner(locked).Get(ctx, mapName, locked)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)

	// clear ignores locks
	require.NoError(t, c.Owner(locked).Unlock(ctx, mapName, locked, "alice"))
	require.NoError(t, c.Owner(locked).Lock(ctx, mapName, locked, "alice", 0))
	cleared := 0
	for _, n := range c.Nodes {
		count, err := n.Clear(ctx, mapName)
		require.NoError(t, err)
		cleared += count
	}
	assert.Equal(t, 1, cleared)
}
