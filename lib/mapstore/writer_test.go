package mapstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
)

func TestWriteThrough(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, config.MapStoreConfig{Enabled: true}, time.Second)
	ctx := context.Background()

	if w.WriteBehind() {
		t.Fatal("zero delay must be write-through")
	}
	if err := w.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := store.Load(ctx, []byte("a")); !ok || string(v) != "1" {
		t.Errorf("store should have a=1, got %q %v", v, ok)
	}

	boom := errors.New("db down")
	store.FailWith(boom)
	if err := w.Put(ctx, []byte("b"), []byte("2")); !errors.Is(err, boom) {
		t.Errorf("write-through must surface store errors, got %v", err)
	}
	store.FailWith(nil)

	if err := w.Delete(ctx, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := w.Load(ctx, []byte("a")); ok {
		t.Error("a should be deleted")
	}
}

func TestWriteBehindCoalescesAndFlushes(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, config.MapStoreConfig{Enabled: true, WriteDelay: time.Hour, WriteBatchSize: 2}, time.Second)
	ctx := context.Background()
	defer w.Close(ctx)

	w.Put(ctx, []byte("a"), []byte("1"))
	w.Put(ctx, []byte("a"), []byte("2"))
	w.Put(ctx, []byte("b"), []byte("1"))
	w.Delete(ctx, []byte("c"))

	if w.Pending() != 3 {
		t.Fatalf("expected 3 coalesced operations, got %d", w.Pending())
	}
	if v, ok, _ := w.Load(ctx, []byte("a")); !ok || string(v) != "2" {
		t.Errorf("Load must see queued value, got %q %v", v, ok)
	}
	if stores, _ := store.Counts(); stores != 0 {
		t.Fatalf("nothing should be written before a flush, got %d stores", stores)
	}

	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	stores, deletes := store.Counts()
	if stores != 2 || deletes != 1 {
		t.Errorf("expected 2 stores and 1 delete, got %d/%d", stores, deletes)
	}
	if string(store.Snapshot()["a"]) != "2" {
		t.Errorf("latest value should win, got %q", store.Snapshot()["a"])
	}
}

func TestWriteBehindRequeuesOnFailure(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, config.MapStoreConfig{Enabled: true, WriteDelay: time.Hour}, time.Second)
	ctx := context.Background()

	w.Put(ctx, []byte("a"), []byte("1"))
	store.FailWith(errors.New("db down"))
	if err := w.Flush(ctx); err == nil {
		t.Fatal("flush should fail")
	}
	if w.Pending() != 1 {
		t.Fatalf("failed batch must be queued again, pending=%d", w.Pending())
	}
	store.FailWith(nil)
	if err := w.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if string(store.Snapshot()["a"]) != "1" {
		t.Error("Close should drain the queue")
	}
}

func TestWriteBehindBackgroundFlush(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, config.MapStoreConfig{Enabled: true, WriteDelay: 10 * time.Millisecond}, time.Second)
	defer w.Close(context.Background())

	w.Put(context.Background(), []byte("a"), []byte("1"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Snapshot()["a"]; ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background flush never wrote the entry")
}
