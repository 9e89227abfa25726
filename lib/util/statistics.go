package util

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// Balance summarizes how evenly a quantity (entries, partitions) is spread.
type Balance struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Quality float64 `json:"quality"` // 1 is perfectly even, 0 is as skewed as it gets
}

// NewBalance computes the balance of values. Quality averages one minus the
// coefficient of variation and the min/max ratio.
func NewBalance(values []float64) Balance {
	if len(values) == 0 {
		return Balance{}
	}
	b := Balance{Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		b.Min = math.Min(b.Min, v)
		b.Max = math.Max(b.Max, v)
	}
	b.Mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - b.Mean) * (v - b.Mean)
	}
	b.StdDev = math.Sqrt(sq / float64(len(values)))

	ratio, cv := 1.0, 0.0
	if b.Max > 0 {
		ratio = b.Min / b.Max
	}
	if b.Mean > 0 {
		cv = b.StdDev / b.Mean
	}
	b.Quality = (1-math.Min(1, cv))*0.5 + ratio*0.5
	return b
}

// sizeBuckets covers sizes up to 2^sizeBuckets-1 bytes, larger sizes share the last bucket
const sizeBuckets = 33

// SizeHistogram tracks value sizes in power of two buckets without keeping
// samples. Bucket i holds sizes in [2^(i-1), 2^i).
//
// Thread-safety: all methods are safe for concurrent use and lock-free.
type SizeHistogram struct {
	buckets [sizeBuckets]atomic.Int64
	count   atomic.Int64
	sum     atomic.Int64
}

// NewSizeHistogram creates an empty histogram.
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

// AddSample records one size.
func (h *SizeHistogram) AddSample(size int) {
	if size < 0 {
		size = 0
	}
	i := min(bits.Len(uint(size)), sizeBuckets-1)
	h.buckets[i].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
}

// GetCount returns the number of samples.
func (h *SizeHistogram) GetCount() int64 {
	return h.count.Load()
}

// AverageSize returns the mean of all samples.
func (h *SizeHistogram) AverageSize() int {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return int(h.sum.Load() / n)
}

// GetPercentileEstimate returns the upper bound of the bucket holding the
// given percentile (0-100). Concurrent writers may skew it slightly.
func (h *SizeHistogram) GetPercentileEstimate(percentile int) int {
	n := h.count.Load()
	if n == 0 || percentile < 0 || percentile > 100 {
		return 0
	}
	target := int64(math.Ceil(float64(n) * float64(percentile) / 100))
	var seen int64
	for i := range h.buckets {
		seen += h.buckets[i].Load()
		if seen >= target {
			return 1<<i - 1
		}
	}
	return 1<<(sizeBuckets-1) - 1
}

// Reset clears the histogram.
func (h *SizeHistogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	h.count.Store(0)
	h.sum.Store(0)
}
