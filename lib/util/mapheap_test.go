package util

import (
	"sort"
	"testing"
)

func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap[string]()
	if mh == nil {
		t.Fatal("NewMapHeap() returned nil")
	}
	if mh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", mh.Len())
	}
	if _, ok := mh.Peek(); ok {
		t.Error("Peek on empty heap should return ok=false")
	}
}

func TestAddItem(t *testing.T) {
	mh := NewMapHeap[string]()
	mh.AddItem("a", 100)
	mh.AddItem("b", 200)
	mh.AddItem("c", 50)

	if mh.Len() != 3 {
		t.Errorf("Heap should have 3 items, but has %d", mh.Len())
	}
	for _, k := range []string{"a", "b", "c"} {
		if !mh.Contains(k) {
			t.Errorf("Heap should contain key %q", k)
		}
	}

	it, ok := mh.Peek()
	if !ok {
		t.Fatal("Peek() should return an item")
	}
	if it.Key != "c" || it.Priority != 50 {
		t.Errorf("Expected min item to be (c,50), got %v", it)
	}
}

func TestUpdateItem(t *testing.T) {
	mh := NewMapHeap[uint64]()
	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(1, 300)

	it, ok := mh.GetByKey(1)
	if !ok {
		t.Fatal("Item with key 1 should exist")
	}
	if it.Priority != 300 {
		t.Errorf("Item with key 1 should have priority 300, got %d", it.Priority)
	}
	if min, _ := mh.Peek(); min.Key != 2 {
		t.Errorf("Min item should now be key 2, got %d", min.Key)
	}

	mh.AddItem(2, 50)
	if min, _ := mh.Peek(); min.Key != 2 || min.Priority != 50 {
		t.Errorf("Min item should now be (2,50), got %v", min)
	}
}

func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap[uint64]()
	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 300)

	prio, ok := mh.RemoveByKey(2)
	if !ok {
		t.Fatal("RemoveByKey should return true for existing key")
	}
	if prio != 200 {
		t.Errorf("RemoveByKey should return priority 200, got %d", prio)
	}
	if mh.Len() != 2 || mh.Contains(2) {
		t.Errorf("Key 2 should be gone, len=%d", mh.Len())
	}
	if _, ok := mh.RemoveByKey(99); ok {
		t.Error("RemoveByKey should return false for non-existent key")
	}
}

func TestPopOrder(t *testing.T) {
	mh := NewMapHeap[string]()
	items := []struct {
		key  string
		prio int64
	}{
		{"e", 50}, {"c", 30}, {"a", 10}, {"d", 40}, {"b", 20}, {"neg", -5},
	}
	for _, it := range items {
		mh.AddItem(it.key, it.prio)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].prio < items[j].prio })

	for i, expected := range items {
		if mh.Len() == 0 {
			t.Fatalf("Heap empty after %d items", i)
		}
		it := mh.PopItem()
		if it.Key != expected.key || it.Priority != expected.prio {
			t.Errorf("Pop %d: expected (%s,%d), got %v", i, expected.key, expected.prio, it)
		}
	}
	if mh.Len() != 0 {
		t.Errorf("Heap should be empty, has %d items", mh.Len())
	}
}

func TestClear(t *testing.T) {
	mh := NewMapHeap[string]()
	for i, k := range []string{"x", "y", "z"} {
		mh.AddItem(k, int64(i))
	}
	mh.Clear()
	if mh.Len() != 0 || mh.Contains("x") {
		t.Errorf("Clear should drop all items, len=%d", mh.Len())
	}
	mh.AddItem("x", 1)
	if it, _ := mh.Peek(); it.Key != "x" {
		t.Errorf("Heap should be usable after Clear, got %v", it)
	}
}

func TestLargeNumberOfItems(t *testing.T) {
	mh := NewMapHeap[int]()
	const n = 10000
	for i := n; i > 0; i-- {
		mh.AddItem(i, int64(i))
	}
	for i := 1; i <= n; i += 2 {
		mh.RemoveByKey(i)
	}
	last := int64(-1)
	for mh.Len() > 0 {
		it := mh.PopItem()
		if it.Priority < last {
			t.Fatalf("heap order violated: %d after %d", it.Priority, last)
		}
		if it.Key%2 != 0 {
			t.Fatalf("removed key %d popped", it.Key)
		}
		last = it.Priority
	}
}
