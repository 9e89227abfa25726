// Package recordstore implements the partition record store: all records of one
// named map inside one partition.
//
// A Store offers the CRUD operations of a map (get, put, set, put-if-absent,
// remove, delete, replace, the compare-and-swap variants, evict), bulk clear and
// evict-all with an optional set of preserved keys, ttl expiry, index
// maintenance, heap cost accounting and the store-through hooks of an optional
// map store.
//
// Concurrency: a Store is NOT thread-safe. Exactly one writer at a time may call
// it, which the node guarantees by running every operation of a partition inside
// that partition's single-writer region. The only exceptions are Size-like
// readers marked as such (EntryCount, HeapCost), which read atomic state.
//
// Expiry: a record with ttl >= 0 is expired once ttl has passed since its last
// update. Expired records are treated as absent by every read, even before they
// are physically removed. Removal happens on access (the read that finds the
// expired record removes it) and through SweepExpired, which the node calls
// periodically and which walks an expiry heap instead of scanning all records.
//
// Index maintenance: every mutation that changes the membership or value of a key
// updates the map's index set in the same call. Removed and expired records are
// de-indexed before their memory is released.
package recordstore
