package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/rpc/common"
)

// NewLockServerAdapter creates the adapter of the key locks. The lease
// travels in the TTL field, the wait of TryLock in the Timeout field.
func NewLockServerAdapter() IRPCServerAdapter {
	return &lockServerAdapterImpl{}
}

type lockServerAdapterImpl struct{}

func (adapter *lockServerAdapterImpl) Types() []common.MessageType {
	return []common.MessageType{
		common.MsgTLock, common.MsgTTryLock, common.MsgTUnlock,
		common.MsgTForceUnlock, common.MsgTIsLocked, common.MsgTLockOwner,
	}
}

func (adapter *lockServerAdapterImpl) Handle(ctx context.Context, req *common.Message, node *mapservice.Node) *common.Message {
	var err error
	resp := &common.Message{MsgType: req.MsgType}

	switch req.MsgType {
	case common.MsgTLock:
		if wait := req.TimeoutDuration(); wait > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, wait)
			defer cancel()
		}
		err = node.Lock(ctx, req.MapName, req.Key, req.Owner, req.TTLDuration())
	case common.MsgTTryLock:
		resp.Ok, err = node.TryLock(ctx, req.MapName, req.Key, req.Owner, req.TTLDuration(), req.TimeoutDuration())
	case common.MsgTUnlock:
		err = node.Unlock(ctx, req.MapName, req.Key, req.Owner)
	case common.MsgTForceUnlock:
		resp.Ok, err = node.ForceUnlock(ctx, req.MapName, req.Key)
	case common.MsgTIsLocked:
		resp.Ok, err = node.IsLocked(ctx, req.MapName, req.Key)
	case common.MsgTLockOwner:
		resp.Owner, resp.Ok, err = node.LockOwner(ctx, req.MapName, req.Key)
	default:
		return common.NewErrorResponse(common.RetCInvalid,
			fmt.Sprintf("RPC LockAdapter - Unsupported message type: %s", req.MsgType))
	}

	if err != nil {
		return common.NewResponse(req, err)
	}
	return resp
}
