// Package lockstore provides the per-partition lock store of a distributed map.
//
// A lock belongs to an owner (a client id or a transaction id) and is reentrant:
// the owner may lock the same key again, and must unlock it as many times. A lock
// may carry a lease, after which it is released automatically. Locks are
// independent from records, locking a key that has no record is allowed.
//
// The record store does not own locks. The node consults the lock store before
// mutating a key: a mutation by anyone but the owner waits until the key is free
// or the operation's deadline passes (see Wait), and then fails with ErrLocked.
//
// Example:
//
//	locks := lockstore.New(nil)
//	ok := locks.Lock("order-1", ownerID, 30*time.Second)
//	...
//	locks.Unlock("order-1", ownerID)
package lockstore
