package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/nearcache"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/rpc/common"
	"golang.org/x/sync/errgroup"
)

// bulkParallelism bounds the partitions a bulk operation calls at once
const bulkParallelism = 16

// MapProxy is the client side handle of a distributed map. Key operations
// are sent to the owner of the key's partition, member scoped operations to
// every member. Reads are served from the near cache when one is configured;
// it is eventually consistent, not linearizable.
//
// Thread-safety: all methods are safe for concurrent use.
type MapProxy struct {
	client *Client
	name   string

	ncCfg  config.NearCacheConfig
	ncOnce sync.Once
	// nc is set once by nearCache and swapped to nil by destroyLocal
	nc atomic.Pointer[localCache]

	destroyed atomic.Bool
}

// localCache is the near cache of a proxy with its invalidation listener
type localCache struct {
	cache  *nearcache.NearCache
	handle events.Handle
}

func newMapProxy(c *Client, name string, ncCfg config.NearCacheConfig) *MapProxy {
	return &MapProxy{client: c, name: name, ncCfg: ncCfg}
}

// Name returns the map name.
func (m *MapProxy) Name() string { return m.name }

// --------------------------------------------------------------------------
// Near cache
// --------------------------------------------------------------------------

// nearCache returns the near cache, creating it on first use. nil if none is
// configured or the proxy was destroyed.
func (m *MapProxy) nearCache() *nearcache.NearCache {
	m.ncOnce.Do(func() {
		if !m.ncCfg.Enabled {
			return
		}
		if m.destroyed.Load() {
			return
		}
		lc := &localCache{cache: nearcache.New(m.name, m.ncCfg, nil)}
		if m.ncCfg.InvalidateOnChange {
			ctx, cancel := context.WithTimeout(context.Background(), timeoutOrDefault(m.client.config))
			defer cancel()
			handle, err := m.client.events.Subscribe(ctx, m.name)
			if err != nil {
				// without invalidations the cache would serve stale values forever
				Logger.Warningf("near cache of %q disabled: %v", m.name, err)
				return
			}
			lc.handle = handle
			go lc.cache.Run(handle.Events())
		}
		m.nc.Store(lc)
		Logger.Debugf("created near cache of %q", m.name)
	})
	if lc := m.nc.Load(); lc != nil {
		return lc.cache
	}
	return nil
}

// invalidate drops keys from the near cache before a mutation is sent
func (m *MapProxy) invalidate(keys ...[]byte) {
	if nc := m.nearCache(); nc != nil {
		for _, key := range keys {
			nc.Invalidate(key)
		}
	}
}

func (m *MapProxy) invalidateAll() {
	if nc := m.nearCache(); nc != nil {
		nc.InvalidateAll()
	}
}

// NearCacheStats returns the statistics of the near cache, false if the map
// has none.
func (m *MapProxy) NearCacheStats() (nearcache.Stats, bool) {
	nc := m.nearCache()
	if nc == nil {
		return nearcache.Stats{}, false
	}
	return nc.Stats(), true
}

// destroyLocal unregisters the invalidation listener, then drops the near
// cache. The proxy keeps working without near cache. Callers still holding
// the old cache see it empty and closed.
func (m *MapProxy) destroyLocal() {
	if !m.destroyed.CompareAndSwap(false, true) {
		return
	}
	// waits for a running initialization and prevents later ones
	m.ncOnce.Do(func() {})
	lc := m.nc.Swap(nil)
	if lc == nil {
		return
	}
	if lc.handle != nil {
		lc.handle.Unsubscribe()
	}
	lc.cache.Destroy()
}

// Destroy removes the map and its data from the cluster and drops the
// local state of the proxy.
func (m *MapProxy) Destroy(ctx context.Context) error {
	m.destroyLocal()
	m.client.forget(m.name)
	return m.broadcast(ctx, common.NewMapRequest(common.MsgTDestroyMap, m.name))
}

// --------------------------------------------------------------------------
// Invocation helpers
// --------------------------------------------------------------------------

// keyRequest creates a request for the partition of key, issued by the client
func (m *MapProxy) keyRequest(ctx context.Context, t common.MessageType, key []byte) (*common.Message, error) {
	table, err := m.client.table(ctx)
	if err != nil {
		return nil, err
	}
	req := common.NewKeyRequest(t, m.name, table.PartitionFor(key), key)
	req.Owner = m.client.id
	return req, nil
}

// callKey sends a key operation. fill sets the operation specific fields.
func (m *MapProxy) callKey(ctx context.Context, t common.MessageType, key []byte, fill func(req *common.Message)) (*common.Message, error) {
	if m.client.closed.Load() {
		return nil, ErrClientClosed
	}
	req, err := m.keyRequest(ctx, t, key)
	if err != nil {
		return nil, err
	}
	if fill != nil {
		fill(req)
	}
	return m.client.inv.Invoke(ctx, int(req.Partition), req)
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Get returns the value of key. found is false if the key is absent.
func (m *MapProxy) Get(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	nc := m.nearCache()
	if nc == nil {
		return m.getRemote(ctx, key)
	}
	switch v, lookup := nc.Get(key); lookup {
	case nearcache.Hit:
		return v, true, nil
	case nearcache.HitNull:
		return nil, false, nil
	}

	id, reserved := nc.Reserve(key)
	value, found, err = m.getRemote(ctx, key)
	if reserved {
		if err != nil {
			nc.Release(key, id)
		} else {
			nc.Publish(key, id, value, found)
		}
	}
	return value, found, err
}

// GetAsync is Get on its own goroutine. The future yields nil for an absent key.
func (m *MapProxy) GetAsync(ctx context.Context, key []byte) *Future[[]byte] {
	return runAsync(func() ([]byte, error) {
		v, _, err := m.Get(ctx, key)
		return v, err
	})
}

func (m *MapProxy) getRemote(ctx context.Context, key []byte) ([]byte, bool, error) {
	resp, err := m.callKey(ctx, common.MsgTGet, key, nil)
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// GetEntryView returns the value of key with its metadata. It bypasses the
// near cache.
func (m *MapProxy) GetEntryView(ctx context.Context, key []byte) (record.EntryView, bool, error) {
	var view record.EntryView
	resp, err := m.callKey(ctx, common.MsgTGetEntryView, key, nil)
	if err != nil || !resp.Ok {
		return view, false, err
	}
	err = resp.DecodePayload(&view)
	return view, err == nil, err
}

// ContainsKey reports whether key is present.
func (m *MapProxy) ContainsKey(ctx context.Context, key []byte) (bool, error) {
	if nc := m.nearCache(); nc != nil {
		switch _, lookup := nc.Get(key); lookup {
		case nearcache.Hit:
			return true, nil
		case nearcache.HitNull:
			return false, nil
		}
	}
	resp, err := m.callKey(ctx, common.MsgTContainsKey, key, nil)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// GetAll returns the values of the present keys, by key. Keys are fetched
// per partition in parallel.
func (m *MapProxy) GetAll(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	nc := m.nearCache()

	missing := keys
	if nc != nil {
		missing = missing[:0:0]
		for _, key := range keys {
			switch v, lookup := nc.Get(key); lookup {
			case nearcache.Hit:
				out[string(key)] = v
			case nearcache.HitNull:
			default:
				missing = append(missing, key)
			}
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	groups, err := m.groupByPartition(ctx, missing)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkParallelism)
	for pid, group := range groups {
		g.Go(func() error {
			reservations := make([]int64, len(group))
			if nc != nil {
				for i, key := range group {
					reservations[i], _ = nc.Reserve(key)
				}
			}
			req := &common.Message{MsgType: common.MsgTGetAll, MapName: m.name, Partition: int64(pid), Keys: group, Owner: m.client.id}
			resp, err := m.client.inv.Invoke(gctx, pid, req)
			if err != nil {
				if nc != nil {
					for i, key := range group {
						nc.Release(key, reservations[i])
					}
				}
				return err
			}
			found := make(map[string][]byte, len(resp.Keys))
			for i, key := range resp.Keys {
				found[string(key)] = resp.Values[i]
			}
			if nc != nil {
				for i, key := range group {
					v, ok := found[string(key)]
					nc.Publish(key, reservations[i], v, ok)
				}
			}
			mu.Lock()
			for k, v := range found {
				out[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// groupByPartition groups keys by the partition they belong to
func (m *MapProxy) groupByPartition(ctx context.Context, keys [][]byte) (map[int][][]byte, error) {
	table, err := m.client.table(ctx)
	if err != nil {
		return nil, err
	}
	groups := make(map[int][][]byte)
	for _, key := range keys {
		pid := table.PartitionFor(key)
		groups[pid] = append(groups[pid], key)
	}
	return groups, nil
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// Put stores value under key with the default ttl of the map and returns
// the previous value.
func (m *MapProxy) Put(ctx context.Context, key, value []byte) (old []byte, existed bool, err error) {
	return m.PutWithTTL(ctx, key, value, record.UseDefaultTTL)
}

// PutWithTTL stores value under key expiring after ttl. A negative ttl
// never expires.
func (m *MapProxy) PutWithTTL(ctx context.Context, key, value []byte, ttl time.Duration) (old []byte, existed bool, err error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTPut, key, func(req *common.Message) {
		req.Value = value
		req.TTL = int64(ttl)
	})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// PutAsync is Put on its own goroutine. The future yields the previous value.
func (m *MapProxy) PutAsync(ctx context.Context, key, value []byte) *Future[[]byte] {
	return runAsync(func() ([]byte, error) {
		old, _, err := m.Put(ctx, key, value)
		return old, err
	})
}

// Set stores value under key without returning the previous value.
func (m *MapProxy) Set(ctx context.Context, key, value []byte) error {
	return m.SetWithTTL(ctx, key, value, record.UseDefaultTTL)
}

// SetWithTTL is Set with an explicit ttl.
func (m *MapProxy) SetWithTTL(ctx context.Context, key, value []byte, ttl time.Duration) error {
	m.invalidate(key)
	_, err := m.callKey(ctx, common.MsgTSet, key, func(req *common.Message) {
		req.Value = value
		req.TTL = int64(ttl)
	})
	return err
}

// PutIfAbsent stores value unless key is present. It returns the current
// value and whether value was stored.
func (m *MapProxy) PutIfAbsent(ctx context.Context, key, value []byte) (current []byte, stored bool, err error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTPutIfAbsent, key, func(req *common.Message) {
		req.Value = value
		req.TTL = int64(record.UseDefaultTTL)
	})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// PutTransient stores value in memory only, the map store is not written.
func (m *MapProxy) PutTransient(ctx context.Context, key, value []byte, ttl time.Duration) (old []byte, existed bool, err error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTPutTransient, key, func(req *common.Message) {
		req.Value = value
		req.TTL = int64(ttl)
	})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// TryPut stores value, waiting at most timeout for a lock held by someone
// else. It reports false if the wait timed out.
func (m *MapProxy) TryPut(ctx context.Context, key, value []byte, timeout time.Duration) (bool, error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTTryPut, key, func(req *common.Message) {
		req.Value = value
		req.TTL = int64(record.UseDefaultTTL)
		req.Timeout = int64(timeout)
	})
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// Replace stores value only if key is present and returns the previous value.
func (m *MapProxy) Replace(ctx context.Context, key, value []byte) (old []byte, replaced bool, err error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTReplace, key, func(req *common.Message) {
		req.Value = value
	})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// ReplaceIfSame stores value only if the current value equals expected.
func (m *MapProxy) ReplaceIfSame(ctx context.Context, key, expected, value []byte) (bool, error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTReplaceIfSame, key, func(req *common.Message) {
		req.Expected = expected
		req.Value = value
	})
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// Remove removes key and returns its value.
func (m *MapProxy) Remove(ctx context.Context, key []byte) (old []byte, existed bool, err error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTRemove, key, nil)
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// RemoveAsync is Remove on its own goroutine. The future yields the removed value.
func (m *MapProxy) RemoveAsync(ctx context.Context, key []byte) *Future[[]byte] {
	return runAsync(func() ([]byte, error) {
		old, _, err := m.Remove(ctx, key)
		return old, err
	})
}

// Delete removes key without returning its value.
func (m *MapProxy) Delete(ctx context.Context, key []byte) (bool, error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTDelete, key, nil)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// RemoveIfSame removes key only if its value equals expected.
func (m *MapProxy) RemoveIfSame(ctx context.Context, key, expected []byte) (bool, error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTRemoveIfSame, key, func(req *common.Message) {
		req.Expected = expected
	})
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// TryRemove removes key, waiting at most timeout for a lock held by someone else.
func (m *MapProxy) TryRemove(ctx context.Context, key []byte, timeout time.Duration) (bool, error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTTryRemove, key, func(req *common.Message) {
		req.Timeout = int64(timeout)
	})
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// Evict drops key from memory without touching the map store.
func (m *MapProxy) Evict(ctx context.Context, key []byte) (bool, error) {
	m.invalidate(key)
	resp, err := m.callKey(ctx, common.MsgTEvict, key, nil)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// PutAll stores every entry with the default ttl. Entries are sent per
// partition in parallel; on error some partitions may have been written.
func (m *MapProxy) PutAll(ctx context.Context, entries map[string][]byte) error {
	keys := make([][]byte, 0, len(entries))
	for k := range entries {
		keys = append(keys, []byte(k))
	}
	m.invalidate(keys...)
	groups, err := m.groupByPartition(ctx, keys)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkParallelism)
	for pid, group := range groups {
		g.Go(func() error {
			values := make([][]byte, len(group))
			for i, key := range group {
				values[i] = entries[string(key)]
			}
			req := &common.Message{
				MsgType:   common.MsgTPutAll,
				MapName:   m.name,
				Partition: int64(pid),
				Keys:      group,
				Values:    values,
				TTL:       int64(record.UseDefaultTTL),
				Owner:     m.client.id,
			}
			_, err := m.client.inv.Invoke(gctx, pid, req)
			return err
		})
	}
	return g.Wait()
}

// --------------------------------------------------------------------------
// Locks
// --------------------------------------------------------------------------

// Lock acquires the lock of key for the client. It waits as long as ctx
// allows, at most half the request timeout, and then fails with
// lockstore.ErrLocked. A positive lease releases the lock automatically.
func (m *MapProxy) Lock(ctx context.Context, key []byte, lease time.Duration) error {
	wait := timeoutOrDefault(m.client.config) / 2
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		wait = time.Until(deadline)
	}
	_, err := m.callKey(ctx, common.MsgTLock, key, func(req *common.Message) {
		req.TTL = int64(lease)
		req.Timeout = int64(wait)
	})
	return err
}

// TryLock acquires the lock of key, waiting at most wait.
func (m *MapProxy) TryLock(ctx context.Context, key []byte, lease, wait time.Duration) (bool, error) {
	resp, err := m.callKey(ctx, common.MsgTTryLock, key, func(req *common.Message) {
		req.TTL = int64(lease)
		req.Timeout = int64(wait)
	})
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// Unlock releases one acquisition of the lock of key.
func (m *MapProxy) Unlock(ctx context.Context, key []byte) error {
	_, err := m.callKey(ctx, common.MsgTUnlock, key, nil)
	return err
}

// ForceUnlock releases the lock of key whoever holds it.
func (m *MapProxy) ForceUnlock(ctx context.Context, key []byte) (bool, error) {
	resp, err := m.callKey(ctx, common.MsgTForceUnlock, key, nil)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// IsLocked reports whether key is locked by anyone.
func (m *MapProxy) IsLocked(ctx context.Context, key []byte) (bool, error) {
	resp, err := m.callKey(ctx, common.MsgTIsLocked, key, nil)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// LockOwner returns the owner of the lock of key, false if it is not locked.
func (m *MapProxy) LockOwner(ctx context.Context, key []byte) (string, bool, error) {
	resp, err := m.callKey(ctx, common.MsgTLockOwner, key, nil)
	if err != nil {
		return "", false, err
	}
	return resp.Owner, resp.Ok, nil
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// NewTransaction starts a transaction whose operations target this map.
// Transaction.On switches to other maps.
func (m *MapProxy) NewTransaction() *Transaction {
	return newTransaction(m.client, m.name)
}
