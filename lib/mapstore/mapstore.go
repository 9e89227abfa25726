package mapstore

import (
	"context"
	"sort"
	"sync"
)

// MapStore is the persistence connector of a map.
// Implementations must be safe for concurrent use.
type MapStore interface {
	// Load returns the stored value, ok is false if the key is unknown.
	Load(ctx context.Context, key []byte) (value []byte, ok bool, err error)
	// LoadAll returns the stored values of the known keys.
	LoadAll(ctx context.Context, keys [][]byte) (map[string][]byte, error)
	// LoadAllKeys returns every key of the store.
	LoadAllKeys(ctx context.Context) ([][]byte, error)
	// Store persists one entry.
	Store(ctx context.Context, key, value []byte) error
	// StoreAll persists a batch of entries.
	StoreAll(ctx context.Context, entries map[string][]byte) error
	// Delete removes one entry, unknown keys are not an error.
	Delete(ctx context.Context, key []byte) error
	// DeleteAll removes a batch of entries.
	DeleteAll(ctx context.Context, keys [][]byte) error
}

// ----------------------------------------------------------------------------
// MemoryStore
// ----------------------------------------------------------------------------

// MemoryStore keeps entries in a Go map. FailWith makes every following call
// fail, which tests use to simulate an unavailable database.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string][]byte
	fail    error
	stores  int
	deletes int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// FailWith sets (or with nil clears) the error every call returns.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Counts returns how many store and delete calls reached the store.
func (m *MemoryStore) Counts() (stores, deletes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stores, m.deletes
}

// Snapshot returns a copy of the stored data.
func (m *MemoryStore) Snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) Load(_ context.Context, key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, false, m.fail
	}
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *MemoryStore) LoadAll(_ context.Context, keys [][]byte) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := m.data[string(k)]; ok {
			out[string(k)] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) LoadAllKeys(_ context.Context) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

func (m *MemoryStore) Store(_ context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.data[string(key)] = append([]byte(nil), value...)
	m.stores++
	return nil
}

func (m *MemoryStore) StoreAll(ctx context.Context, entries map[string][]byte) error {
	for k, v := range entries {
		if err := m.Store(ctx, []byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	delete(m.data, string(key))
	m.deletes++
	return nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context, keys [][]byte) error {
	for _, k := range keys {
		if err := m.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
