// Package cluster answers where partitions live and who the members are.
//
// The PartitionTable assigns every partition an owner and up to Backups
// replicas from the sorted member list: partition p is owned by member
// p mod n and replicated on the following members. Every process computing a
// table from the same member list gets the same assignment.
//
// Membership is pluggable: StaticMembership for fixed clusters and tests,
// GossipMembership on top of hashicorp/memberlist, where the node metadata
// carries the rpc address of the member.
package cluster
