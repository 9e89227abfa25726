package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/lib/txn"
	"github.com/ValentinKolb/dMap/rpc/common"
)

// NewTxnServerAdapter creates the adapter of client transactions and of the
// two phase commit calls between members
func NewTxnServerAdapter() IRPCServerAdapter {
	return &txnServerAdapterImpl{}
}

type txnServerAdapterImpl struct{}

func (adapter *txnServerAdapterImpl) Types() []common.MessageType {
	return []common.MessageType{
		common.MsgTTransact, common.MsgTTxnPrepare, common.MsgTTxnBackupPrepare,
		common.MsgTTxnCommit, common.MsgTTxnRollback,
	}
}

func (adapter *txnServerAdapterImpl) Handle(ctx context.Context, req *common.Message, node *mapservice.Node) *common.Message {
	var err error
	resp := &common.Message{MsgType: req.MsgType}

	switch req.MsgType {
	case common.MsgTTransact:
		var ops []txn.Op
		if err = req.DecodePayload(&ops); err == nil {
			err = node.Transact(ctx, req.TxnID, ops)
		}
	case common.MsgTTxnPrepare:
		var log, prepared *txn.Log
		if err = req.DecodePayload(&log); err != nil {
			break
		}
		if prepared, err = node.TxnPrepare(ctx, log); err == nil {
			err = resp.SetPayload(prepared)
		}
	case common.MsgTTxnBackupPrepare:
		var log *txn.Log
		if err = req.DecodePayload(&log); err == nil {
			err = node.TxnBackupPrepare(ctx, log)
		}
	case common.MsgTTxnCommit, common.MsgTTxnRollback:
		var decision common.CommitPayload
		if err = req.DecodePayload(&decision); err != nil {
			break
		}
		if req.MsgType == common.MsgTTxnCommit {
			err = node.TxnCommit(ctx, int(req.Partition), req.TxnID, decision.Backup)
		} else {
			err = node.TxnRollback(ctx, int(req.Partition), req.TxnID, decision.Backup)
		}
	default:
		return common.NewErrorResponse(common.RetCInvalid,
			fmt.Sprintf("RPC TxnAdapter - Unsupported message type: %s", req.MsgType))
	}

	if err != nil {
		return common.NewResponse(req, err)
	}
	return resp
}
