package mapservice

import (
	"context"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// BackupKind is the kind of a replicated change.
type BackupKind uint8

const (
	BackupPut    BackupKind = iota + 1 // install Entry
	BackupRemove                       // drop Key
	BackupClear                        // drop every key except Preserve
)

// BackupOp is one change a primary replicates to the replicas of a partition.
type BackupOp struct {
	Kind      BackupKind        `json:"kind"`
	Map       string            `json:"map"`
	Partition int               `json:"partition"`
	Key       []byte            `json:"key,omitempty"`
	Entry     *record.EntryView `json:"entry,omitempty"`
	Preserve  []string          `json:"preserve,omitempty"`
}

// MapData is the content of one map in a migrated partition.
type MapData struct {
	Config  config.MapConfig   `json:"config"`
	Entries []record.EntryView `json:"entries"`
}

// PartitionData is everything a partition holds, sent to a new owner or to a
// new replica (Replica set).
type PartitionData struct {
	Partition int        `json:"partition"`
	Source    string     `json:"source"`
	Replica   bool       `json:"replica"`
	Maps      []MapData  `json:"maps"`
	Txns      []*txn.Log `json:"txns,omitempty"`
}

// Peer carries node to node calls. The rpc client implements it over the
// network, LocalNetwork in process.
type Peer interface {
	Backup(ctx context.Context, member string, ops []BackupOp) error
	TxnPrepare(ctx context.Context, member string, log *txn.Log) (*txn.Log, error)
	TxnBackupPrepare(ctx context.Context, member string, log *txn.Log) error
	TxnCommit(ctx context.Context, member string, partition int, txnID string, backup bool) error
	TxnRollback(ctx context.Context, member string, partition int, txnID string, backup bool) error
	Migrate(ctx context.Context, member string, data *PartitionData) error
}

// ----------------------------------------------------------------------------
// In-process network
// ----------------------------------------------------------------------------

type linkState struct {
	down  bool
	delay time.Duration
}

// LocalNetwork is a Peer connecting nodes of one process. Members can be cut
// off or slowed down to exercise the failure paths.
//
// Thread-safety: all methods are safe for concurrent use.
type LocalNetwork struct {
	nodes *xsync.MapOf[string, *Node]
	links *xsync.MapOf[string, linkState]
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes: xsync.NewMapOf[string, *Node](),
		links: xsync.NewMapOf[string, linkState](),
	}
}

// Register makes n reachable under its id.
func (l *LocalNetwork) Register(n *Node) { l.nodes.Store(n.ID(), n) }

// Unregister removes a member.
func (l *LocalNetwork) Unregister(id string) { l.nodes.Delete(id) }

// SetDown makes calls to member fail with ErrUnreachable.
func (l *LocalNetwork) SetDown(member string, down bool) {
	l.links.Compute(member, func(s linkState, _ bool) (linkState, bool) {
		s.down = down
		return s, false
	})
}

// SetDelay delays every call to member.
func (l *LocalNetwork) SetDelay(member string, d time.Duration) {
	l.links.Compute(member, func(s linkState, _ bool) (linkState, bool) {
		s.delay = d
		return s, false
	})
}

func (l *LocalNetwork) target(ctx context.Context, member string) (*Node, error) {
	s, _ := l.links.Load(member)
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrapf(ctx.Err(), "call to %s", member)
		case <-t.C:
		}
	}
	if s.down {
		return nil, errors.Wrapf(ErrUnreachable, "%s", member)
	}
	n, ok := l.nodes.Load(member)
	if !ok {
		return nil, errors.Wrapf(ErrUnreachable, "%s is not registered", member)
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see Peer)
// --------------------------------------------------------------------------

func (l *LocalNetwork) Backup(ctx context.Context, member string, ops []BackupOp) error {
	n, err := l.target(ctx, member)
	if err != nil {
		return err
	}
	return n.ApplyBackup(ctx, ops)
}

func (l *LocalNetwork) TxnPrepare(ctx context.Context, member string, log *txn.Log) (*txn.Log, error) {
	n, err := l.target(ctx, member)
	if err != nil {
		return nil, err
	}
	return n.TxnPrepare(ctx, log.Clone())
}

func (l *LocalNetwork) TxnBackupPrepare(ctx context.Context, member string, log *txn.Log) error {
	n, err := l.target(ctx, member)
	if err != nil {
		return err
	}
	return n.TxnBackupPrepare(ctx, log.Clone())
}

func (l *LocalNetwork) TxnCommit(ctx context.Context, member string, partition int, txnID string, backup bool) error {
	n, err := l.target(ctx, member)
	if err != nil {
		return err
	}
	return n.TxnCommit(ctx, partition, txnID, backup)
}

func (l *LocalNetwork) TxnRollback(ctx context.Context, member string, partition int, txnID string, backup bool) error {
	n, err := l.target(ctx, member)
	if err != nil {
		return err
	}
	return n.TxnRollback(ctx, partition, txnID, backup)
}

func (l *LocalNetwork) Migrate(ctx context.Context, member string, data *PartitionData) error {
	n, err := l.target(ctx, member)
	if err != nil {
		return err
	}
	return n.InstallPartition(ctx, data)
}
