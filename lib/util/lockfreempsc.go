package util

import (
	"runtime"
	"sync/atomic"
)

// mpscNode is one link of the queue. The head node is always a consumed sentinel.
type mpscNode[T any] struct {
	value *T
	next  atomic.Pointer[mpscNode[T]]
}

// LockFreeMPSC is an unbounded multi-producer single-consumer queue.
//
// The event bus gives every subscription one queue: any number of partition
// writers push events concurrently, exactly one goroutine receives them
// through Recv. Producers never block, so a slow subscriber never stalls a
// partition writer.
//
// Order is kept per producer. Concurrent pushes are ordered by whichever
// producer links its node first.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	closed atomic.Bool

	// wake holds at most one pending signal for the delivery goroutine
	wake chan struct{}
	out  chan *T
}

// NewLockFreeMPSC creates a queue and starts its delivery goroutine.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	q := &LockFreeMPSC[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan *T),
	}
	sentinel := &mpscNode[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.deliver()
	return q
}

// Push appends value. It returns false for nil values and after Close.
//
// Thread-safety: safe for concurrent use.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	for spins := 0; ; spins++ {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer linked a node but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.signal()
			return true
		}
		if spins > 4 {
			runtime.Gosched()
		}
	}
}

func (q *LockFreeMPSC[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop unlinks the oldest value, nil if the queue is empty.
func (q *LockFreeMPSC[T]) pop() *T {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil
	}
	q.head.Store(next)
	v := next.value
	next.value = nil
	return v
}

// deliver hands values to out until the queue is closed and empty
func (q *LockFreeMPSC[T]) deliver() {
	defer close(q.out)
	for {
		for v := q.pop(); v != nil; v = q.pop() {
			q.out <- v
		}
		if q.closed.Load() {
			// values linked right before Close
			for v := q.pop(); v != nil; v = q.pop() {
				q.out <- v
			}
			return
		}
		<-q.wake
	}
}

// Recv returns the channel the values are delivered on. It is closed once
// the queue is closed and every value pushed before was received.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close rejects further pushes. Values already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// IsClosed reports whether Close was called.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Drain closes the queue and discards what was not received yet. Use it when
// the consumer goes away, the delivery goroutine would block otherwise.
func (q *LockFreeMPSC[T]) Drain() {
	q.Close()
	go func() {
		for range q.out {
		}
	}()
}
