package lockstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

type lockState struct {
	owner  string
	count  int
	expiry time.Time // zero: no lease
}

func (l lockState) expired(now time.Time) bool {
	return !l.expiry.IsZero() && !now.Before(l.expiry)
}

type lockStoreImpl struct {
	locks *xsync.MapOf[string, lockState]
	now   func() time.Time

	// changed is closed and replaced whenever a lock is released
	mu      sync.Mutex
	changed chan struct{}
}

// New creates an empty lock store. now may be nil to use the wall clock.
func New(now func() time.Time) ILockStore {
	if now == nil {
		now = time.Now
	}
	return &lockStoreImpl{
		locks:   xsync.NewMapOf[string, lockState](),
		now:     now,
		changed: make(chan struct{}),
	}
}

func (s *lockStoreImpl) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *lockStoreImpl) changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ILockStore)
// --------------------------------------------------------------------------

func (s *lockStoreImpl) Lock(key, owner string, lease time.Duration) bool {
	now := s.now()
	acquired := false
	s.locks.Compute(key, func(old lockState, loaded bool) (lockState, bool) {
		if loaded && !old.expired(now) && old.owner != owner {
			return old, false
		}
		next := lockState{owner: owner, count: 1}
		if loaded && !old.expired(now) {
			next.count = old.count + 1
		}
		if lease > 0 {
			next.expiry = now.Add(lease)
		}
		acquired = true
		return next, false
	})
	return acquired
}

func (s *lockStoreImpl) Unlock(key, owner string) (bool, error) {
	now := s.now()
	var (
		released bool
		err      error
	)
	s.locks.Compute(key, func(old lockState, loaded bool) (lockState, bool) {
		if !loaded || old.expired(now) {
			return old, true
		}
		if old.owner != owner {
			err = ErrNotOwner
			return old, false
		}
		released = true
		old.count--
		return old, old.count <= 0
	})
	if released {
		s.notify()
	}
	return released, err
}

func (s *lockStoreImpl) ForceUnlock(key string) bool {
	_, ok := s.locks.LoadAndDelete(key)
	if ok {
		s.notify()
	}
	return ok
}

func (s *lockStoreImpl) IsLocked(key string) bool {
	l, ok := s.locks.Load(key)
	return ok && !l.expired(s.now())
}

func (s *lockStoreImpl) IsLockedBy(key, owner string) bool {
	l, ok := s.locks.Load(key)
	return ok && !l.expired(s.now()) && l.owner == owner
}

func (s *lockStoreImpl) CanAcquire(key, owner string) bool {
	l, ok := s.locks.Load(key)
	return !ok || l.expired(s.now()) || l.owner == owner
}

func (s *lockStoreImpl) Owner(key string) (string, bool) {
	l, ok := s.locks.Load(key)
	if !ok || l.expired(s.now()) {
		return "", false
	}
	return l.owner, true
}

func (s *lockStoreImpl) LockedKeys() []string {
	now := s.now()
	var keys []string
	s.locks.Range(func(key string, l lockState) bool {
		if !l.expired(now) {
			keys = append(keys, key)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func (s *lockStoreImpl) Wait(ctx context.Context, key, owner string) error {
	for {
		changed := s.changes()
		if s.CanAcquire(key, owner) {
			return nil
		}

		// wake up at the latest when the current lease runs out
		var timer *time.Timer
		var leaseC <-chan time.Time
		if l, ok := s.locks.Load(key); ok && !l.expiry.IsZero() {
			timer = time.NewTimer(l.expiry.Sub(s.now()))
			leaseC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return errors.Wrapf(ErrLocked, "waiting for %q: %v", key, ctx.Err())
		case <-changed:
		case <-leaseC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *lockStoreImpl) Clear() {
	s.locks.Clear()
	s.notify()
}
