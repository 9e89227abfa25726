package txn

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("txn")

// Participant delivers the protocol steps to a member. Implementations call
// the local partition directly or go through the invocation transport.
type Participant interface {
	// Prepare validates and stages the log on the partition primary and
	// returns the log with the old-value snapshots filled in.
	Prepare(ctx context.Context, member string, log *Log) (*Log, error)
	// BackupPrepare stores the log on a replica without applying it.
	BackupPrepare(ctx context.Context, member string, log *Log) error
	// Commit applies the stored log. backup selects the replica role.
	Commit(ctx context.Context, member string, partition int, txnID string, backup bool) error
	// Rollback discards the stored log. backup selects the replica role.
	Rollback(ctx context.Context, member string, partition int, txnID string, backup bool) error
}

// Topology answers where a partition lives.
type Topology interface {
	PartitionFor(key []byte) int
	OwnerOf(partition int) string
	ReplicasOf(partition int) []string
}

// CoordinatorConfig tunes the protocol timing.
type CoordinatorConfig struct {
	// Member is the id reported as coordinator in every log.
	Member string
	// BackupTimeout bounds waiting for all backup-prepare acknowledgments.
	BackupTimeout time.Duration
	// PrepareTimeout bounds the primary prepare phase (includes lock waits).
	PrepareTimeout time.Duration
	// CommitRetries is the number of retries of a commit or rollback instruction.
	CommitRetries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

// DefaultCoordinatorConfig returns the default timing.
func DefaultCoordinatorConfig(member string) CoordinatorConfig {
	return CoordinatorConfig{
		Member:         member,
		BackupTimeout:  5 * time.Second,
		PrepareTimeout: 10 * time.Second,
		CommitRetries:  3,
		RetryBackoff:   50 * time.Millisecond,
	}
}

// Coordinator drives transactions through prepare, backup-prepare and commit.
//
// Thread-safety: Execute may be called concurrently.
type Coordinator struct {
	cfg         CoordinatorConfig
	topology    Topology
	participant Participant
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig, topology Topology, participant Participant) *Coordinator {
	if cfg.BackupTimeout <= 0 {
		cfg.BackupTimeout = 5 * time.Second
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = 10 * time.Second
	}
	if cfg.CommitRetries < 0 {
		cfg.CommitRetries = 0
	}
	return &Coordinator{cfg: cfg, topology: topology, participant: participant}
}

// Execute runs ops as one transaction. An empty txnID gets a generated one.
// Either all ops become visible on every owner and replica or, if any prepare
// fails, none of them anywhere.
func (c *Coordinator) Execute(ctx context.Context, txnID string, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if txnID == "" {
		txnID = uuid.NewString()
	}
	logs := c.group(txnID, ops)

	prepared, err := c.prepare(ctx, logs)
	if err != nil {
		Logger.Debugf("txn %s: prepare failed, rolling back: %v", txnID, err)
		c.rollback(ctx, logs)
		return err
	}
	return c.commit(ctx, prepared)
}

// group splits the ops by partition keeping their order.
func (c *Coordinator) group(txnID string, ops []Op) []*Log {
	byPartition := make(map[int]*Log)
	var logs []*Log
	for _, op := range ops {
		pid := c.topology.PartitionFor(op.Key)
		l, ok := byPartition[pid]
		if !ok {
			l = &Log{TxnID: txnID, Partition: pid, Coordinator: c.cfg.Member}
			byPartition[pid] = l
			logs = append(logs, l)
		}
		l.Ops = append(l.Ops, op)
	}
	return logs
}

func (c *Coordinator) prepare(ctx context.Context, logs []*Log) ([]*Log, error) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	prepared := make([]*Log, len(logs))
	g, gctx := errgroup.WithContext(pctx)
	for i, l := range logs {
		g.Go(func() error {
			p, err := c.participant.Prepare(gctx, c.topology.OwnerOf(l.Partition), l)
			if err != nil {
				return errors.Wrapf(err, "txn %s: prepare partition %d", l.TxnID, l.Partition)
			}
			prepared[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// every replica must hold the prepared log before anything is committed
	bctx, bcancel := context.WithTimeout(ctx, c.cfg.BackupTimeout)
	defer bcancel()
	g, gctx = errgroup.WithContext(bctx)
	for _, p := range prepared {
		for _, member := range c.topology.ReplicasOf(p.Partition) {
			g.Go(func() error {
				if err := c.participant.BackupPrepare(gctx, member, p.Clone()); err != nil {
					return errors.Wrapf(err, "partition %d replica %s", p.Partition, member)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, errors.WithSecondaryError(
			errors.Wrapf(ErrReplicationFailed, "txn %s: backup prepare", logs[0].TxnID), err)
	}
	return prepared, nil
}

func (c *Coordinator) commit(ctx context.Context, logs []*Log) error {
	// the decision is made, the caller going away must not stop it
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, l := range logs {
		g.Go(func() error {
			return c.retry(ctx, func(actx context.Context) error {
				return c.participant.Commit(actx, c.topology.OwnerOf(l.Partition), l.Partition, l.TxnID, false)
			})
		})
		for _, member := range c.topology.ReplicasOf(l.Partition) {
			g.Go(func() error {
				return c.retry(ctx, func(actx context.Context) error {
					return c.participant.Commit(actx, member, l.Partition, l.TxnID, true)
				})
			})
		}
	}
	if err := g.Wait(); err != nil {
		Logger.Errorf("txn %s: commit incomplete: %v", logs[0].TxnID, err)
		return errors.WithSecondaryError(
			errors.Wrapf(ErrCommitIncomplete, "txn %s", logs[0].TxnID), err)
	}
	return nil
}

// rollback instructs every owner and replica of the logs to discard the
// transaction. Participants that never saw it record a tombstone.
func (c *Coordinator) rollback(ctx context.Context, logs []*Log) {
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, l := range logs {
		g.Go(func() error {
			err := c.retry(ctx, func(actx context.Context) error {
				return c.participant.Rollback(actx, c.topology.OwnerOf(l.Partition), l.Partition, l.TxnID, false)
			})
			if err != nil {
				Logger.Warningf("txn %s: rollback partition %d on owner: %v", l.TxnID, l.Partition, err)
			}
			return nil
		})
		for _, member := range c.topology.ReplicasOf(l.Partition) {
			g.Go(func() error {
				err := c.retry(ctx, func(actx context.Context) error {
					return c.participant.Rollback(actx, member, l.Partition, l.TxnID, true)
				})
				if err != nil {
					Logger.Warningf("txn %s: rollback partition %d on replica %s: %v", l.TxnID, l.Partition, member, err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// retry runs fn up to CommitRetries+1 times, each attempt bounded by
// BackupTimeout. ErrNotPrepared and ErrAlreadyFinished are final.
func (c *Coordinator) retry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= c.cfg.CommitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.RetryBackoff * time.Duration(attempt))
		}
		actx, cancel := context.WithTimeout(ctx, c.cfg.BackupTimeout)
		err = fn(actx)
		cancel()
		if err == nil || errors.Is(err, ErrNotPrepared) || errors.Is(err, ErrAlreadyFinished) {
			return err
		}
	}
	return err
}
