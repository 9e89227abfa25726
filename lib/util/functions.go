package util

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// HashString generates a hash value for a string with a seed
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution
func HashString(s string, seed uint64) uint64 {
	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// HashBytes is HashString for byte slices (no allocation for the conversion).
func HashBytes(b []byte, seed uint64) uint64 {
	hash := uint64(offset64) ^ seed
	for _, c := range b {
		hash ^= uint64(c)
		hash *= prime64
	}
	return hash
}

// PartitionFor maps a serialized key to one of count partitions.
// The function is deterministic across processes (fixed seed 0).
func PartitionFor(key []byte, count int) int {
	if count <= 1 {
		return 0
	}
	return int(HashBytes(key, 0) % uint64(count))
}

// OrDefault returns d if v is the zero value, v otherwise.
func OrDefault[T comparable](v, d T) T {
	var zero T
	if v == zero {
		return d
	}
	return v
}
