// Package util
//
// This file provides a priority queue that also supports access by key.
//
// The implementation combines a binary heap with a hash map:
//   - O(log n) for priority operations (AddItem, PopItem, RemoveByKey)
//   - O(1) for key based lookups and existence checks
//
// The record store uses it to find the next record to expire, the near cache
// uses it to find the least recently (or least frequently) used entry.
//
// The heap is not thread-safe. Callers apply their own synchronization, which
// for the record store is the partition's single-writer region.
//
// Example usage:
//
//	h := NewMapHeap[string]()
//	h.AddItem("a", 100)
//	h.AddItem("b", 50)
//	next, _ := h.Peek()    // "b"
//	h.RemoveByKey("b")
//	for h.Len() > 0 {
//	    it := h.PopItem()
//	    // process it.Key
//	}
package util

import (
	"container/heap"
	"fmt"
)

// HeapItem is one entry of a MapHeap.
type HeapItem[K comparable] struct {
	Key      K
	Priority int64
	index    int // maintained by container/heap
}

func (i *HeapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap ordered by priority with key based access.
type MapHeap[K comparable] struct {
	items    []*HeapItem[K]
	itemsMap map[K]*HeapItem[K]
}

// NewMapHeap creates an empty heap, ready to use.
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*HeapItem[K], 0),
		itemsMap: make(map[K]*HeapItem[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

// Len returns the number of items in the heap (part of heap.Interface)
func (h *MapHeap[K]) Len() int { return len(h.items) }

// Less compares items by priority (part of heap.Interface)
func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

// Swap exchanges items at positions i and j (part of heap.Interface)
func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface, use AddItem instead)
func (h *MapHeap[K]) Push(x any) {
	it := x.(*HeapItem[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

// Pop removes and returns the last item (part of heap.Interface, use PopItem instead)
func (h *MapHeap[K]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Key based API
// --------------------------------------------------------------------------

// AddItem adds a new item or updates the priority of an existing one.
func (h *MapHeap[K]) AddItem(key K, priority int64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &HeapItem[K]{Key: key, Priority: priority})
}

// RemoveByKey removes an item by its key and returns its priority.
func (h *MapHeap[K]) RemoveByKey(key K) (int64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the lowest priority without removing it.
func (h *MapHeap[K]) Peek() (*HeapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// PopItem removes and returns the item with the lowest priority.
// It panics on an empty heap, check Len first.
func (h *MapHeap[K]) PopItem() *HeapItem[K] {
	return heap.Pop(h).(*HeapItem[K])
}

// Contains checks if a key exists in the heap.
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey retrieves an item by its key without removing it.
func (h *MapHeap[K]) GetByKey(key K) (*HeapItem[K], bool) {
	it, exists := h.itemsMap[key]
	return it, exists
}

// Clear drops every item.
func (h *MapHeap[K]) Clear() {
	h.items = h.items[:0]
	h.itemsMap = make(map[K]*HeapItem[K])
}
