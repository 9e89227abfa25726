// Package record defines the stored unit of a distributed map and the strategies
// that decide how a record keeps its value in memory.
//
// A Record is owned by exactly one partition record store. It carries the key,
// the value and the metadata needed for expiry and statistics (creation, access
// and update time, ttl, version, hits). Records have no behavior beyond the
// state transitions the store applies to them.
//
// How values live in memory is a Format, picked once when a store is created:
//
//   - BINARY: the record keeps a private copy of the serialized bytes
//   - OBJECT: like BINARY, plus a decoded attribute view so index extraction
//     does not decode the value again on every mutation
//   - NATIVE: the bytes are stored in an Arena with explicit allocation and
//     release. Dropping a NATIVE record without calling Release leaks arena
//     memory, which is why bulk clears invalidate every record first.
//
// The SizeEstimator keeps the running heap cost of a store. Every format reports
// the cost of a record, the store adds and subtracts it on every mutation and
// resets the estimator on clear or migration.
package record
