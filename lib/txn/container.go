package txn

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type containerEntry struct {
	log        *Log
	state      State
	deadline   time.Time
	finishedAt time.Time
}

// Container keeps the transaction logs of one partition.
//
// Thread-safety: all methods are safe for concurrent use.
type Container struct {
	mu        sync.Mutex
	entries   map[string]*containerEntry
	retention time.Duration
	now       func() time.Time
}

// NewContainer creates a container that remembers finished transactions for retention.
func NewContainer(retention time.Duration, now func() time.Time) *Container {
	if now == nil {
		now = time.Now
	}
	return &Container{
		entries:   make(map[string]*containerEntry),
		retention: retention,
		now:       now,
	}
}

// Prepare stores the log as Prepared until deadline. Preparing an already
// prepared transaction refreshes log and deadline.
func (c *Container) Prepare(log *Log, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[log.TxnID]; ok && e.state != StatePrepared {
		return errors.Wrapf(ErrAlreadyFinished, "prepare %s: %s", log.TxnID, e.state)
	}
	c.entries[log.TxnID] = &containerEntry{log: log.Clone(), state: StatePrepared, deadline: deadline}
	return nil
}

// Commit moves a prepared transaction to Committed and returns its log for
// applying. apply is false if the transaction was committed before, so a
// repeated instruction never applies twice.
func (c *Container) Commit(txnID string) (log *Log, apply bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[txnID]
	if !ok {
		return nil, false, errors.Wrapf(ErrNotPrepared, "commit %s", txnID)
	}
	switch e.state {
	case StatePrepared:
		e.state = StateCommitted
		e.finishedAt = c.now()
		return e.log, true, nil
	case StateCommitted:
		return nil, false, nil
	default:
		return nil, false, errors.Wrapf(ErrNotPrepared, "commit %s: %s", txnID, e.state)
	}
}

// Rollback moves a transaction to RolledBack and returns the discarded log, if
// it was prepared. Rolling back an unknown transaction leaves a tombstone so a
// late prepare is rejected. Committed transactions cannot be rolled back.
func (c *Container) Rollback(txnID string) (*Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.entries[txnID]
	if !ok {
		c.entries[txnID] = &containerEntry{state: StateRolledBack, finishedAt: now}
		return nil, nil
	}
	switch e.state {
	case StatePrepared:
		e.state = StateRolledBack
		e.finishedAt = now
		log := e.log
		e.log = nil
		return log, nil
	case StateCommitted:
		return nil, errors.Wrapf(ErrAlreadyFinished, "rollback %s: committed", txnID)
	default:
		return nil, nil
	}
}

// State returns the state of a transaction.
func (c *Container) State(txnID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[txnID]; ok {
		return e.state
	}
	return StateUnknown
}

// Lookup returns the log of a prepared transaction and the transaction's state.
func (c *Container) Lookup(txnID string) (*Log, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[txnID]
	if !ok {
		return nil, StateUnknown
	}
	return e.log, e.state
}

// Expire rolls back every transaction prepared with a deadline not after now,
// returns their logs, and forgets finished transactions older than the retention.
func (c *Container) Expire(now time.Time) []*Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []*Log
	for id, e := range c.entries {
		switch e.state {
		case StatePrepared:
			if !e.deadline.IsZero() && !now.Before(e.deadline) {
				expired = append(expired, e.log)
				e.state = StateRolledBack
				e.finishedAt = now
				e.log = nil
			}
		default:
			if now.Sub(e.finishedAt) >= c.retention {
				delete(c.entries, id)
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].TxnID < expired[j].TxnID })
	return expired
}

// Prepared returns the logs currently prepared, ordered by transaction id.
func (c *Container) Prepared() []*Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Log
	for _, e := range c.entries {
		if e.state == StatePrepared {
			out = append(out, e.log)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxnID < out[j].TxnID })
	return out
}

// StagedKeys returns the keys of map touched by prepared transactions. Bulk
// clears preserve them so uncommitted state survives.
func (c *Container) StagedKeys(mapName string) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make(map[string]bool)
	for _, e := range c.entries {
		if e.state != StatePrepared {
			continue
		}
		for _, op := range e.log.Ops {
			if op.Map == mapName {
				keys[string(op.Key)] = true
			}
		}
	}
	return keys
}

// Len returns the number of tracked transactions.
func (c *Container) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
