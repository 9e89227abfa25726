// Package server implements the RPC server of a dMap member. It owns the
// mapservice.Node of the member and dispatches the requests arriving at the
// transport to adapters, which translate messages into node calls.
//
// The package focuses on:
//   - Server-side handling of client requests (key operations, locks, member
//     scoped map operations, queries, transactions, event polling)
//   - Node to node calls (backup replication, two phase commit, migration)
//   - Setup of the member: membership (static or gossip), the map definition
//     registry (local or raft) and the peer client reaching other members
//
// Key Components:
//
//   - IRPCServerAdapter: Interface of all adapters. Handle runs a request
//     against the node, Types lists the message types an adapter serves.
//
//   - NewMapServerAdapter, NewLockServerAdapter, NewTxnServerAdapter,
//     NewClusterServerAdapter, NewEventServerAdapter: the adapters. Errors
//     are answered with their RetCode so the client can match the sentinel.
//
//   - NewRPCServer: Creates the server from a configuration, a server
//     transport, a client transport factory for peer calls and a serializer.
//
// Requests addressed to a partition (frame id != common.NoPartition) are
// rejected with RetCWrongTarget before decoding when this member does not
// own the partition. The client refreshes its partition table and retries.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  NodeID:         "node-1",
//	  Transport:      common.ServerTransportConfig{Endpoint: "0.0.0.0:8080"},
//	  Members:        []common.MemberEntry{{ID: "node-1", Address: "10.0.0.1:8080"}},
//	  PartitionCount: 271,
//	  BackupCount:    1,
//	  TimeoutSecond:  5,
//	}
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(),
//	  tcp.NewTCPClientTransport,
//	  serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server handles concurrent requests across multiple connections. Serve
//	must be called only once, Close may be called from any goroutine.
package server
