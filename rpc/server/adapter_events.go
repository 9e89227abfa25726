package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dMap/lib/events"
	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/cockroachdb/errors"
)

const (
	defaultPollBatch = 256
	maxPollWait      = 30 * time.Second
)

// errUnknownSubscription is returned when polling a subscription that was
// closed or never existed
var errUnknownSubscription = errors.New("unknown event subscription")

// NewEventServerAdapter creates the adapter of remote invalidation event
// subscriptions. A remote listener polls its subscription; the subscription
// id travels in the TxnID field. The node drops subscriptions that are no
// longer polled.
func NewEventServerAdapter() IRPCServerAdapter {
	return &eventServerAdapterImpl{}
}

type eventServerAdapterImpl struct{}

func (adapter *eventServerAdapterImpl) Types() []common.MessageType {
	return []common.MessageType{common.MsgTEventSubscribe, common.MsgTEventPoll, common.MsgTEventUnsubscribe}
}

func (adapter *eventServerAdapterImpl) Handle(ctx context.Context, req *common.Message, node *mapservice.Node) *common.Message {
	resp := &common.Message{MsgType: req.MsgType}
	bus := node.Events()

	switch req.MsgType {
	case common.MsgTEventSubscribe:
		if req.MapName == "" {
			return common.NewResponse(req, mapservice.ErrInvalidMapName)
		}
		sub := bus.RegisterPolled(req.MapName)
		resp.TxnID = sub.ID
		resp.Ok = true

	case common.MsgTEventPoll:
		sub, ok := bus.Lookup(req.TxnID)
		if !ok {
			return common.NewErrorResponse(common.RetCNotFound, errUnknownSubscription.Error())
		}
		max := int(req.Count)
		if max <= 0 {
			max = defaultPollBatch
		}
		wait := req.TimeoutDuration()
		if wait <= 0 || wait > maxPollWait {
			wait = maxPollWait
		}
		var evts []*events.Event
		evts, resp.Ok = sub.Poll(ctx, max, wait)
		if len(evts) > 0 {
			if err := resp.SetPayload(evts); err != nil {
				return common.NewResponse(req, err)
			}
		}

	case common.MsgTEventUnsubscribe:
		if sub, ok := bus.Lookup(req.TxnID); ok {
			sub.Unsubscribe()
			resp.Ok = true
		}

	default:
		return common.NewErrorResponse(common.RetCInvalid,
			fmt.Sprintf("RPC EventAdapter - Unsupported message type: %s", req.MsgType))
	}
	return resp
}
