package record

import "sync/atomic"

// SizeEstimator tracks the approximate memory used by the records of one store.
//
// Thread-safety: all methods are safe for concurrent use. Writers are serialized
// by the partition, readers (stats, metrics) may run at any time.
type SizeEstimator struct {
	size atomic.Int64
}

// Add adjusts the running total by delta (negative on removal).
func (e *SizeEstimator) Add(delta int64) {
	e.size.Add(delta)
}

// Size returns the current estimate.
func (e *SizeEstimator) Size() int64 {
	return e.size.Load()
}

// Reset sets the estimate back to zero.
func (e *SizeEstimator) Reset() {
	e.size.Store(0)
}
