// Package mapservice implements the server side of the distributed map: a
// Node owns the partitions the partition table assigns to it and serves every
// map operation on them.
//
// Partitions:
//
//	Each partition has one PartitionContainer. Its mutex is the partition's
//	single-writer region: every record store access of the partition happens
//	while holding it, so mutations of one partition never interleave while
//	different partitions run in parallel. The container also holds one lock
//	store per map and the partition's transaction container.
//
// Primary path of a mutation:
//
//	validate key/value -> ownership check (ErrWrongTarget) -> wait for the key
//	lock (bounded by the operation timeout) -> mutate the record store ->
//	replicate the resulting record to every replica (Peer.Backup, bounded by
//	the backup timeout) -> on failure restore the previous record and return
//	txn.ErrReplicationFailed -> publish the invalidation event.
//
//	Replicas install the replicated record as is and never call the map store.
//	Key locks are held on the primary only and are not replicated.
//
// Member-scoped operations (Size, ContainsValue, Clear, EvictAll, Query,
// AddIndex, LoadAll, Flush, DestroyMap) cover the partitions this node owns;
// the client fans them out to every member.
//
// Transactions:
//
//	The node is the txn.Participant of its partitions and hosts a
//	txn.Coordinator for transactions submitted to it. Prepare locks the keys
//	for the transaction id and validates conditions, backup-prepare stores the
//	log on the replicas, commit applies it. A reaper rolls back prepared
//	transactions nobody decided within the prepare ttl and sweeps expired
//	records.
//
// Membership changes:
//
//	SetMembers installs a new partition table. Partitions that moved away are
//	migrated to their new owner (records, map definitions and prepared
//	transactions); a new owner rejects operations on a partition until its
//	data arrived or the migration timeout passed. New replicas receive a copy
//	of the partition from the owner.
package mapservice
