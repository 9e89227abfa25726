// Package metastore holds the map definitions of a cluster. Every member
// resolves a map name through the same registry, so all of them build the
// record stores of a map with the same format, ttl and indexes.
//
// Implementations:
//
//   - Local registry (lmeta): an in-process map, for single nodes, tests and
//     embedded clusters sharing one registry instance.
//     Available in the "github.com/ValentinKolb/dMap/lib/metastore/lmeta" package.
//
//   - Replicated registry (dmeta): a Dragonboat RAFT shard whose state machine
//     holds the definitions. Writes go through SyncPropose, reads through
//     SyncRead, so a definition written on one member is visible on all of them.
//     Available in the "github.com/ValentinKolb/dMap/lib/metastore/dmeta" package.
package metastore
