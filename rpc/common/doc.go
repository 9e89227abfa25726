// Package common provides the data structures shared by the rpc server, the
// rpc client and the node to node calls of the distributed map. It defines
// the wire message, its types and payloads, the error classification used to
// carry sentinel errors across processes, configuration structures and the
// logger factory.
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication. Key operations
//     address a partition (Partition >= 0), member scoped operations use -1.
//     Structured arguments and results (predicates, transaction logs,
//     partition data, events) travel json encoded in Payload.
//
//   - MessageType: Enumeration of all supported operations: key operations,
//     locks, member scoped map operations, transaction phases, backups,
//     migration, invalidation event polling and the partition table.
//
//   - RetCode / RemoteError: A response carries the code of its error. The
//     client turns it into a RemoteError which matches the original sentinel
//     with errors.Is, so callers test remote and local errors the same way.
//
//   - ServerConfig: Configuration of a member: identity, transport, static or
//     gossip membership, partition and replication parameters, the map
//     definition registry (local or raft) and logging.
//
//   - ClientConfig: Configuration of a client: endpoints, timeouts, retries
//     and the default near cache.
//
//   - Logger: zap backed implementation of dragonboat's logger factory, used
//     by dragonboat itself and by every package of this module.
package common
