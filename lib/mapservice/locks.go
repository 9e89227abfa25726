package mapservice

import (
	"context"
	"time"

	"github.com/ValentinKolb/dMap/lib/lockstore"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/cockroachdb/errors"
)

// keyLocks returns the lock store guarding key after checking that this node
// owns the key's partition.
func (n *Node) keyLocks(mapName string, key []byte) (lockstore.ILockStore, error) {
	if mapName == "" {
		return nil, ErrInvalidMapName
	}
	if err := record.ValidateKey(key); err != nil {
		return nil, err
	}
	pc, err := n.enter(n.table.Load().PartitionFor(key))
	if err != nil {
		return nil, err
	}
	defer pc.mu.Unlock()
	return pc.lockStore(mapName), nil
}

// Lock acquires the lock of key for owner, waiting until ctx is done. Locks
// are reentrant; a lease of zero never expires.
func (n *Node) Lock(ctx context.Context, mapName string, key []byte, owner string, lease time.Duration) error {
	n.metrics.op("lock")
	if owner == "" {
		return ErrInvalidOwner
	}
	ls, err := n.keyLocks(mapName, key)
	if err != nil {
		return err
	}
	for !ls.Lock(string(key), owner, lease) {
		if err := ls.Wait(ctx, string(key), owner); err != nil {
			return err
		}
	}
	return nil
}

// TryLock is Lock giving up after wait. It reports whether the lock is held.
func (n *Node) TryLock(ctx context.Context, mapName string, key []byte, owner string, lease, wait time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	err := n.Lock(ctx, mapName, key, owner, lease)
	if errors.Is(err, lockstore.ErrLocked) {
		return false, nil
	}
	return err == nil, err
}

// Unlock releases one level of the lock owner holds on key.
func (n *Node) Unlock(ctx context.Context, mapName string, key []byte, owner string) error {
	n.metrics.op("unlock")
	if owner == "" {
		return ErrInvalidOwner
	}
	ls, err := n.keyLocks(mapName, key)
	if err != nil {
		return err
	}
	if _, err := ls.Unlock(string(key), owner); err != nil {
		return errors.Wrapf(err, "unlock %q", key)
	}
	return nil
}

// ForceUnlock releases the lock of key whoever holds it.
func (n *Node) ForceUnlock(ctx context.Context, mapName string, key []byte) (bool, error) {
	n.metrics.op("force-unlock")
	ls, err := n.keyLocks(mapName, key)
	if err != nil {
		return false, err
	}
	return ls.ForceUnlock(string(key)), nil
}

// IsLocked reports whether any owner holds the lock of key.
func (n *Node) IsLocked(ctx context.Context, mapName string, key []byte) (bool, error) {
	ls, err := n.keyLocks(mapName, key)
	if err != nil {
		return false, err
	}
	return ls.IsLocked(string(key)), nil
}

// LockOwner returns the owner holding the lock of key.
func (n *Node) LockOwner(ctx context.Context, mapName string, key []byte) (string, bool, error) {
	ls, err := n.keyLocks(mapName, key)
	if err != nil {
		return "", false, err
	}
	owner, ok := ls.Owner(string(key))
	return owner, ok, nil
}
