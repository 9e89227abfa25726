// Package txn implements multi-key transactions over partitions and their replicas.
//
// A transaction is described by Ops. The Coordinator groups them by partition
// into Logs and runs two phases:
//
//  1. prepare: every partition primary validates its log (conditional ops,
//     locks held by others), captures the old values, locks the keys for the
//     transaction and stores the log as Prepared. The prepared log, now carrying
//     the old-value snapshots, is then sent verbatim to every replica of the
//     partition (backup-prepare), which stores it without applying it.
//  2. commit: once every primary and every replica acknowledged, primaries and
//     replicas are told to apply their stored logs.
//
// A failure or missing acknowledgment in phase 1 rolls back every participant.
// Nothing is visible to readers before a primary commits.
//
// Every partition keeps a Container: a state machine per transaction id with
// the states Prepared, Committed and RolledBack. A log is applied at most once
// (Commit on a committed transaction is a no-op) and only on an explicit commit.
// Prepared logs carry a deadline; Expire moves overdue ones to RolledBack, which
// is how a transaction abandoned by a failed coordinator is cleaned up.
// Finished states are remembered for a retention period so late or duplicate
// instructions are recognized.
package txn
