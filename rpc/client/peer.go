package client

import (
	"context"

	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/cockroachdb/errors"
)

// PeerClient carries the node to node calls of a member (backups, two phase
// commit, migration) over the rpc transport. It implements mapservice.Peer.
//
// Thread-safety: all methods are safe for concurrent use.
type PeerClient struct {
	pool    *connPool
	resolve func(memberID string) (address string, ok bool)
}

// NewPeerClient creates a peer client. resolve maps a member id to the rpc
// address of the member.
func NewPeerClient(
	factory transport.ClientFactory,
	serializer serializer.IRPCSerializer,
	config common.ClientConfig,
	resolve func(memberID string) (string, bool),
) *PeerClient {
	return &PeerClient{
		pool:    newConnPool(config, factory, serializer),
		resolve: resolve,
	}
}

// Close closes the connections to every member.
func (p *PeerClient) Close() error {
	return p.pool.close()
}

func (p *PeerClient) invoke(ctx context.Context, member string, req *common.Message) (*common.Message, error) {
	addr, ok := p.resolve(member)
	if !ok {
		return nil, errors.Wrapf(mapservice.ErrUnreachable, "unknown member %s", member)
	}
	return p.pool.invoke(ctx, addr, common.NoPartition, req)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see mapservice.Peer)
// --------------------------------------------------------------------------

func (p *PeerClient) Backup(ctx context.Context, member string, ops []mapservice.BackupOp) error {
	req := &common.Message{MsgType: common.MsgTBackup, Partition: -1}
	if err := req.SetPayload(ops); err != nil {
		return err
	}
	_, err := p.invoke(ctx, member, req)
	return err
}

func (p *PeerClient) TxnPrepare(ctx context.Context, member string, log *txn.Log) (*txn.Log, error) {
	req := &common.Message{MsgType: common.MsgTTxnPrepare, Partition: int64(log.Partition), TxnID: log.TxnID}
	if err := req.SetPayload(log); err != nil {
		return nil, err
	}
	resp, err := p.invoke(ctx, member, req)
	if err != nil {
		return nil, err
	}
	var prepared *txn.Log
	if err := resp.DecodePayload(&prepared); err != nil {
		return nil, err
	}
	if prepared == nil {
		return nil, errors.Newf("member %s returned no prepared log for %s", member, log.TxnID)
	}
	return prepared, nil
}

func (p *PeerClient) TxnBackupPrepare(ctx context.Context, member string, log *txn.Log) error {
	req := &common.Message{MsgType: common.MsgTTxnBackupPrepare, Partition: int64(log.Partition), TxnID: log.TxnID}
	if err := req.SetPayload(log); err != nil {
		return err
	}
	_, err := p.invoke(ctx, member, req)
	return err
}

func (p *PeerClient) TxnCommit(ctx context.Context, member string, partition int, txnID string, backup bool) error {
	return p.decide(ctx, common.MsgTTxnCommit, member, partition, txnID, backup)
}

func (p *PeerClient) TxnRollback(ctx context.Context, member string, partition int, txnID string, backup bool) error {
	return p.decide(ctx, common.MsgTTxnRollback, member, partition, txnID, backup)
}

func (p *PeerClient) decide(ctx context.Context, t common.MessageType, member string, partition int, txnID string, backup bool) error {
	req := &common.Message{MsgType: t, Partition: int64(partition), TxnID: txnID}
	if err := req.SetPayload(common.CommitPayload{Backup: backup}); err != nil {
		return err
	}
	_, err := p.invoke(ctx, member, req)
	return err
}

func (p *PeerClient) Migrate(ctx context.Context, member string, data *mapservice.PartitionData) error {
	req := &common.Message{MsgType: common.MsgTMigrate, Partition: int64(data.Partition)}
	if err := req.SetPayload(data); err != nil {
		return err
	}
	_, err := p.invoke(ctx, member, req)
	return err
}
