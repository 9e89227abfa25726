// Package dmeta implements the map registry on top of the Dragonboat RAFT
// consensus library, so every member of a cluster sees the same map
// definitions.
//
// Architecture:
//
//   - Store Client: implements metastore.IMetaStore. It serializes operations
//     into commands (see the internal package), proposes them with SyncPropose
//     and reads with SyncRead. ErrSystemBusy is retried a few times.
//
//   - State Machine: a Dragonboat IConcurrentStateMachine holding the
//     definitions in a concurrent map. Lookups run concurrently with updates.
//     Snapshots are the JSON encoded list of all definitions.
//
// Usage:
//
//	nh, _ := dragonboat.NewNodeHost(nhConfig)
//	_ = nh.StartConcurrentReplica(members, false, dmeta.CreateStateMachineFactory(), raftConfig)
//	registry := dmeta.NewDistributedMetaStore(nh, shardID, 5*time.Second)
package dmeta
