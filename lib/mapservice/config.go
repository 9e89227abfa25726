package mapservice

import (
	"time"

	"github.com/ValentinKolb/dMap/lib/util"
)

// Config tunes a Node.
type Config struct {
	// PartitionCount must be the same on every member.
	PartitionCount int
	// BackupCount is the number of replicas per partition. A map's own
	// BackupCount can lower it but not raise it.
	BackupCount int
	// OperationTimeout bounds an operation whose context has no deadline,
	// including the wait for a key lock.
	OperationTimeout time.Duration
	// BackupTimeout bounds waiting for all replica acknowledgments.
	BackupTimeout time.Duration
	// PrepareTTL is how long a prepared transaction waits for its decision
	// before the reaper rolls it back.
	PrepareTTL time.Duration
	// TxnRetention is how long finished transactions are remembered.
	TxnRetention time.Duration
	// CommitRetries is the number of retries of a commit or rollback instruction.
	CommitRetries int
	// ReaperInterval is the period of the transaction reaper and ttl sweep.
	ReaperInterval time.Duration
	// SubscriptionIdle is how long a remote event subscription survives
	// without being polled.
	SubscriptionIdle time.Duration
	// SweepBatch bounds the expired records removed per store and reaper run.
	SweepBatch int
	// QueryParallelism bounds the partitions evaluated at once (0: all).
	QueryParallelism int
	// MigrationTimeout bounds waiting for the data of a partition that moved here.
	MigrationTimeout time.Duration
	// MapStoreTimeout bounds a single write-behind flush.
	MapStoreTimeout time.Duration
}

// DefaultConfig returns the defaults used by `dmap serve`.
func DefaultConfig() Config {
	return Config{
		PartitionCount:   271,
		BackupCount:      1,
		OperationTimeout: 10 * time.Second,
		BackupTimeout:    5 * time.Second,
		PrepareTTL:       30 * time.Second,
		TxnRetention:     2 * time.Minute,
		CommitRetries:    3,
		ReaperInterval:   time.Second,
		SubscriptionIdle: 2 * time.Minute,
		SweepBatch:       1000,
		QueryParallelism: 0,
		MigrationTimeout: 30 * time.Second,
		MapStoreTimeout:  5 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.PartitionCount = util.OrDefault(c.PartitionCount, d.PartitionCount)
	c.OperationTimeout = util.OrDefault(c.OperationTimeout, d.OperationTimeout)
	c.BackupTimeout = util.OrDefault(c.BackupTimeout, d.BackupTimeout)
	c.PrepareTTL = util.OrDefault(c.PrepareTTL, d.PrepareTTL)
	c.TxnRetention = util.OrDefault(c.TxnRetention, d.TxnRetention)
	c.ReaperInterval = util.OrDefault(c.ReaperInterval, d.ReaperInterval)
	c.SubscriptionIdle = util.OrDefault(c.SubscriptionIdle, d.SubscriptionIdle)
	c.SweepBatch = util.OrDefault(c.SweepBatch, d.SweepBatch)
	c.MigrationTimeout = util.OrDefault(c.MigrationTimeout, d.MigrationTimeout)
	c.MapStoreTimeout = util.OrDefault(c.MapStoreTimeout, d.MapStoreTimeout)
	if c.BackupCount < 0 {
		c.BackupCount = 0
	}
	if c.CommitRetries < 0 {
		c.CommitRetries = 0
	}
	return c
}
