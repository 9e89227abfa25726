package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/rpc/common"
)

// NewClusterServerAdapter creates the adapter of replication, migration and
// partition table requests
func NewClusterServerAdapter() IRPCServerAdapter {
	return &clusterServerAdapterImpl{}
}

type clusterServerAdapterImpl struct{}

func (adapter *clusterServerAdapterImpl) Types() []common.MessageType {
	return []common.MessageType{common.MsgTBackup, common.MsgTMigrate, common.MsgTTable}
}

func (adapter *clusterServerAdapterImpl) Handle(ctx context.Context, req *common.Message, node *mapservice.Node) *common.Message {
	var err error
	resp := &common.Message{MsgType: req.MsgType}

	switch req.MsgType {
	case common.MsgTBackup:
		var ops []mapservice.BackupOp
		if err = req.DecodePayload(&ops); err == nil {
			err = node.ApplyBackup(ctx, ops)
		}
	case common.MsgTMigrate:
		var data mapservice.PartitionData
		if err = req.DecodePayload(&data); err == nil {
			err = node.InstallPartition(ctx, &data)
		}
	case common.MsgTTable:
		err = resp.SetPayload(TablePayloadOf(node))
	default:
		return common.NewErrorResponse(common.RetCInvalid,
			fmt.Sprintf("RPC ClusterAdapter - Unsupported message type: %s", req.MsgType))
	}

	if err != nil {
		return common.NewResponse(req, err)
	}
	return resp
}

// TablePayloadOf describes the partition table of node
func TablePayloadOf(node *mapservice.Node) common.TablePayload {
	table := node.Table()
	members := table.Members()
	payload := common.TablePayload{
		PartitionCount: table.Count(),
		BackupCount:    table.Backups(),
		Members:        make([]common.MemberEntry, len(members)),
	}
	for i, m := range members {
		payload.Members[i] = common.MemberEntry{ID: m.ID, Address: m.Address}
	}
	return payload
}
