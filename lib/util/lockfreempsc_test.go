package util

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestBasicOperations(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(&i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Errorf("Expected %d, got %v", i, *val)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", *val)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[string]()
	defer q.Close()

	const numProducers = 10
	const itemsPerProducer = 500
	total := numProducers * itemsPerProducer

	received := make(map[string]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(received) < total {
			select {
			case v := <-q.Recv():
				received[*v] = true
			case <-time.After(2 * time.Second):
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				v := fmt.Sprintf("%d-%d", p, i)
				q.Push(&v)
			}
		}(p)
	}
	wg.Wait()
	<-done

	if len(received) != total {
		t.Errorf("Expected %d unique items, got %d", total, len(received))
	}
}

func TestCloseQueue(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	v := 1
	q.Push(&v)
	q.Close()

	if !q.IsClosed() {
		t.Error("queue should report closed")
	}
	if q.Push(&v) {
		t.Error("Push after Close should fail")
	}

	// items pushed before Close are still delivered, then the channel closes
	got := 0
	for range q.Recv() {
		got++
	}
	if got != 1 {
		t.Errorf("expected 1 item after close, got %d", got)
	}
}

func TestPushNil(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()
	if q.Push(nil) {
		t.Error("Push(nil) should be rejected")
	}
}

func TestDrainReleasesDeliveryGoroutine(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		q := NewLockFreeMPSC[int]()
		for j := 0; j < 5; j++ {
			q.Push(&j)
		}
		q.Drain()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("goroutines leaked: before=%d after=%d", before, runtime.NumGoroutine())
}

func BenchmarkMultiProducer(b *testing.B) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()
	go func() {
		for range q.Recv() {
		}
	}()
	b.RunParallel(func(pb *testing.PB) {
		v := 1
		for pb.Next() {
			q.Push(&v)
		}
	})
}
