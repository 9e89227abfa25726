// Package util provides the small building blocks shared by the map data plane.
//
// The package contains:
//   - functions: seeded FNV-1a hashing and the partition function every member and client agrees on
//   - mapheap: a generic priority queue with key based access, used for TTL expiry and near cache eviction
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer queue used to deliver invalidation events
//   - statistics: a lock-free SizeHistogram for value sizes and Balance statistics for the spread of entries over partitions
//
// None of the components know anything about records or partitions; they are
// plain data structures that the record store, the near cache and the event bus
// compose.
package util
