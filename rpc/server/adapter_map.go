package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/lib/query"
	"github.com/ValentinKolb/dMap/rpc/common"
)

// NewMapServerAdapter creates the adapter of the key operations and the
// member scoped map operations
func NewMapServerAdapter() IRPCServerAdapter {
	return &mapServerAdapterImpl{}
}

type mapServerAdapterImpl struct{}

func (adapter *mapServerAdapterImpl) Types() []common.MessageType {
	return []common.MessageType{
		common.MsgTGet, common.MsgTGetEntryView, common.MsgTContainsKey, common.MsgTGetAll,
		common.MsgTPut, common.MsgTPutTransient, common.MsgTSet, common.MsgTPutIfAbsent,
		common.MsgTReplace, common.MsgTReplaceIfSame, common.MsgTRemove, common.MsgTDelete,
		common.MsgTRemoveIfSame, common.MsgTEvict, common.MsgTTryPut, common.MsgTTryRemove,
		common.MsgTPutAll,
		common.MsgTSize, common.MsgTContainsValue, common.MsgTClear, common.MsgTEvictAll,
		common.MsgTQuery, common.MsgTAddIndex, common.MsgTFlush, common.MsgTLoadAll,
		common.MsgTDestroyMap, common.MsgTMapStats, common.MsgTDefineMap, common.MsgTMapConfig,
	}
}

func (adapter *mapServerAdapterImpl) Handle(ctx context.Context, req *common.Message, node *mapservice.Node) *common.Message {
	var err error
	resp := &common.Message{MsgType: req.MsgType}

	switch req.MsgType {

	// Key operations

	case common.MsgTGet:
		resp.Value, resp.Ok, err = node.Get(ctx, req.MapName, req.Key)
	case common.MsgTGetEntryView:
		view, found, gerr := node.GetEntryView(ctx, req.MapName, req.Key)
		if err = gerr; err == nil && found {
			resp.Ok = true
			err = resp.SetPayload(view)
		}
	case common.MsgTContainsKey:
		resp.Ok, err = node.ContainsKey(ctx, req.MapName, req.Key)
	case common.MsgTGetAll:
		var entries []query.Entry
		if entries, err = node.GetAll(ctx, req.MapName, req.Keys); err == nil {
			resp.Keys, resp.Values = query.Keys(entries), query.Values(entries)
		}
	case common.MsgTPut:
		resp.Value, resp.Ok, err = node.Put(ctx, req.MapName, req.Key, req.Value, req.TTLDuration(), req.Owner)
	case common.MsgTPutTransient:
		resp.Value, resp.Ok, err = node.PutTransient(ctx, req.MapName, req.Key, req.Value, req.TTLDuration(), req.Owner)
	case common.MsgTSet:
		err = node.Set(ctx, req.MapName, req.Key, req.Value, req.TTLDuration(), req.Owner)
	case common.MsgTPutIfAbsent:
		resp.Value, resp.Ok, err = node.PutIfAbsent(ctx, req.MapName, req.Key, req.Value, req.TTLDuration(), req.Owner)
	case common.MsgTReplace:
		resp.Value, resp.Ok, err = node.Replace(ctx, req.MapName, req.Key, req.Value, req.Owner)
	case common.MsgTReplaceIfSame:
		resp.Ok, err = node.ReplaceIfSame(ctx, req.MapName, req.Key, req.Expected, req.Value, req.Owner)
	case common.MsgTRemove:
		resp.Value, resp.Ok, err = node.Remove(ctx, req.MapName, req.Key, req.Owner)
	case common.MsgTDelete:
		resp.Ok, err = node.Delete(ctx, req.MapName, req.Key, req.Owner)
	case common.MsgTRemoveIfSame:
		resp.Ok, err = node.RemoveIfSame(ctx, req.MapName, req.Key, req.Expected, req.Owner)
	case common.MsgTEvict:
		resp.Ok, err = node.Evict(ctx, req.MapName, req.Key, req.Owner)
	case common.MsgTTryPut:
		resp.Ok, err = node.TryPut(ctx, req.MapName, req.Key, req.Value, req.TTLDuration(), req.Owner, req.TimeoutDuration())
	case common.MsgTTryRemove:
		resp.Ok, err = node.TryRemove(ctx, req.MapName, req.Key, req.Owner, req.TimeoutDuration())
	case common.MsgTPutAll:
		if len(req.Keys) != len(req.Values) {
			err = fmt.Errorf("putAll: %d keys but %d values", len(req.Keys), len(req.Values))
			break
		}
		entries := make([]query.Entry, len(req.Keys))
		for i := range req.Keys {
			entries[i] = query.Entry{Key: req.Keys[i], Value: req.Values[i]}
		}
		err = node.PutAll(ctx, req.MapName, entries, req.TTLDuration(), req.Owner)

	// Member scoped operations

	case common.MsgTSize:
		var n int
		n, err = node.Size(ctx, req.MapName)
		resp.Count = int64(n)
	case common.MsgTContainsValue:
		resp.Ok, err = node.ContainsValue(ctx, req.MapName, req.Value)
	case common.MsgTClear:
		var n int
		n, err = node.Clear(ctx, req.MapName)
		resp.Count = int64(n)
	case common.MsgTEvictAll:
		var n int
		n, err = node.EvictAll(ctx, req.MapName)
		resp.Count = int64(n)
	case common.MsgTQuery:
		err = adapter.query(ctx, req, resp, node)
	case common.MsgTAddIndex:
		var idx common.IndexPayload
		if err = req.DecodePayload(&idx); err == nil {
			err = node.AddIndex(ctx, req.MapName, idx.Attribute, idx.Ordered)
		}
	case common.MsgTFlush:
		err = node.Flush(ctx, req.MapName)
	case common.MsgTLoadAll:
		var n int
		n, err = node.LoadAll(ctx, req.MapName, req.Keys, req.Ok)
		resp.Count = int64(n)
	case common.MsgTDestroyMap:
		err = node.DestroyMap(ctx, req.MapName)
	case common.MsgTMapStats:
		var stats mapservice.MapStats
		if stats, err = node.MapStats(ctx, req.MapName); err == nil {
			err = resp.SetPayload(stats)
		}
	case common.MsgTDefineMap:
		var cfg config.MapConfig
		if err = req.DecodePayload(&cfg); err == nil {
			err = node.DefineMap(ctx, cfg)
		}
	case common.MsgTMapConfig:
		var cfg config.MapConfig
		if cfg, err = node.MapConfig(ctx, req.MapName); err == nil {
			err = resp.SetPayload(cfg)
		}

	default:
		return common.NewErrorResponse(common.RetCInvalid,
			fmt.Sprintf("RPC MapAdapter - Unsupported message type: %s", req.MsgType))
	}

	if err != nil {
		return common.NewResponse(req, err)
	}
	return resp
}

// query decodes the predicate and evaluates it on the partitions of the node
func (adapter *mapServerAdapterImpl) query(ctx context.Context, req, resp *common.Message, node *mapservice.Node) error {
	var payload common.QueryPayload
	if err := req.DecodePayload(&payload); err != nil {
		return err
	}
	p, err := query.Decode(payload.Predicate)
	if err != nil {
		return err
	}
	partial, err := node.Query(ctx, req.MapName, p, payload.Window, payload.Iteration)
	if err != nil {
		return err
	}
	return resp.SetPayload(partial)
}
