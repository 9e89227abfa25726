package index

import (
	"sort"
	"sync"

	"github.com/google/btree"
)

// Bound is one end of a range lookup. A nil *Bound means unbounded.
type Bound struct {
	Value     Value
	Inclusive bool
}

// Index answers lookups on one attribute.
//
// Thread-safety: all methods are safe for concurrent use.
type Index interface {
	Attribute() string
	Ordered() bool

	// Add indexes key under v, adding the same pair twice is a no-op.
	Add(key string, v Value)
	// Remove drops the pair, unknown pairs are ignored.
	Remove(key string, v Value)

	// Equal returns the keys indexed under v.
	Equal(v Value) []string
	// Range returns the keys whose value lies between from and to.
	Range(from, to *Bound) []string

	Len() int
	Clear()
}

// InRange reports whether v satisfies both bounds. nil bounds are open.
func InRange(v Value, from, to *Bound) bool {
	if from != nil {
		c := Compare(v, from.Value)
		if c < 0 || (c == 0 && !from.Inclusive) {
			return false
		}
	}
	if to != nil {
		c := Compare(v, to.Value)
		if c > 0 || (c == 0 && !to.Inclusive) {
			return false
		}
	}
	return true
}

// ----------------------------------------------------------------------------
// Ordered index
// ----------------------------------------------------------------------------

type entry struct {
	value Value
	key   string
}

func lessEntry(a, b entry) bool {
	if c := Compare(a.value, b.value); c != 0 {
		return c < 0
	}
	return a.key < b.key
}

type orderedIndex struct {
	attribute string
	mu        sync.RWMutex
	tree      *btree.BTreeG[entry]
}

// NewOrdered creates a btree backed index.
func NewOrdered(attribute string) Index {
	return &orderedIndex{attribute: attribute, tree: btree.NewG(32, lessEntry)}
}

func (i *orderedIndex) Attribute() string { return i.attribute }
func (i *orderedIndex) Ordered() bool     { return true }

func (i *orderedIndex) Add(key string, v Value) {
	i.mu.Lock()
	i.tree.ReplaceOrInsert(entry{value: v, key: key})
	i.mu.Unlock()
}

func (i *orderedIndex) Remove(key string, v Value) {
	i.mu.Lock()
	i.tree.Delete(entry{value: v, key: key})
	i.mu.Unlock()
}

func (i *orderedIndex) Equal(v Value) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var keys []string
	i.tree.AscendGreaterOrEqual(entry{value: v}, func(e entry) bool {
		if Compare(e.value, v) != 0 {
			return false
		}
		keys = append(keys, e.key)
		return true
	})
	return keys
}

func (i *orderedIndex) Range(from, to *Bound) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var keys []string
	visit := func(e entry) bool {
		if to != nil {
			c := Compare(e.value, to.Value)
			if c > 0 || (c == 0 && !to.Inclusive) {
				return false
			}
		}
		if InRange(e.value, from, nil) {
			keys = append(keys, e.key)
		}
		return true
	}
	if from == nil {
		i.tree.Ascend(visit)
	} else {
		i.tree.AscendGreaterOrEqual(entry{value: from.Value}, visit)
	}
	return keys
}

func (i *orderedIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.tree.Len()
}

func (i *orderedIndex) Clear() {
	i.mu.Lock()
	i.tree.Clear(false)
	i.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Unordered index
// ----------------------------------------------------------------------------

type unorderedIndex struct {
	attribute string
	mu        sync.RWMutex
	buckets   map[Value]map[string]struct{}
	size      int
}

// NewUnordered creates a hash backed index.
func NewUnordered(attribute string) Index {
	return &unorderedIndex{attribute: attribute, buckets: make(map[Value]map[string]struct{})}
}

func (i *unorderedIndex) Attribute() string { return i.attribute }
func (i *unorderedIndex) Ordered() bool     { return false }

func (i *unorderedIndex) Add(key string, v Value) {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.buckets[v]
	if !ok {
		b = make(map[string]struct{})
		i.buckets[v] = b
	}
	if _, exists := b[key]; !exists {
		b[key] = struct{}{}
		i.size++
	}
}

func (i *unorderedIndex) Remove(key string, v Value) {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.buckets[v]
	if !ok {
		return
	}
	if _, exists := b[key]; exists {
		delete(b, key)
		i.size--
	}
	if len(b) == 0 {
		delete(i.buckets, v)
	}
}

func (i *unorderedIndex) Equal(v Value) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	b := i.buckets[v]
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (i *unorderedIndex) Range(from, to *Bound) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var keys []string
	for v, b := range i.buckets {
		if !InRange(v, from, to) {
			continue
		}
		for k := range b {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (i *unorderedIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.size
}

func (i *unorderedIndex) Clear() {
	i.mu.Lock()
	i.buckets = make(map[Value]map[string]struct{})
	i.size = 0
	i.mu.Unlock()
}
