package lockstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrLocked signals that a key is locked by another owner.
	ErrLocked = errors.New("key is locked by another owner")
	// ErrNotOwner is returned when unlocking a lock held by someone else.
	ErrNotOwner = errors.New("lock is not held by this owner")
)

// ILockStore defines the lock operations of one partition.
type ILockStore interface {
	// Lock acquires or re-enters the lock for owner. It returns false if another
	// owner holds the lock. A lease of zero means the lock never expires.
	Lock(key, owner string, lease time.Duration) bool

	// Unlock releases one level of the lock. Unlocking a free key returns
	// (false, nil), unlocking a key held by another owner returns ErrNotOwner.
	Unlock(key, owner string) (released bool, err error)

	// ForceUnlock releases the lock regardless of owner and count.
	ForceUnlock(key string) bool

	// IsLocked reports whether any owner holds the key.
	IsLocked(key string) bool

	// IsLockedBy reports whether owner holds the key.
	IsLockedBy(key, owner string) bool

	// CanAcquire reports whether owner could lock the key right now.
	CanAcquire(key, owner string) bool

	// Owner returns the current owner of the key.
	Owner(key string) (owner string, ok bool)

	// LockedKeys returns every currently locked key.
	LockedKeys() []string

	// Wait blocks until owner could acquire the key or ctx is done. It returns
	// ErrLocked (wrapping the context error) on timeout.
	Wait(ctx context.Context, key, owner string) error

	// Clear drops all locks.
	Clear()
}
