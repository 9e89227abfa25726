// Package mapstore connects a map to an external persistence store.
//
// The data plane only sees the MapStore interface (load, store, delete, load all
// keys). Which database sits behind it is not this package's concern; MemoryStore
// is an in-process implementation for tests and single node setups.
//
// A Writer decides when store calls happen:
//
//   - write-through (WriteDelay 0): every mutation calls the store synchronously
//     and a failing call aborts the mutation
//   - write-behind (WriteDelay > 0): mutations are queued, coalesced per key, and
//     flushed in batches by a background goroutine. Flush drains the queue on
//     demand, Close drains it and stops the goroutine.
//
// Evictions never reach the store, only removals do.
package mapstore
