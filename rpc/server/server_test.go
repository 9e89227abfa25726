package server

import (
	"context"
	"testing"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/ValentinKolb/dMap/rpc/transport/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer starts node-1 of a two member cluster without listening.
// node-2 never runs, so its partitions are rejected.
func newTestServer(t *testing.T) *RPCServer {
	t.Helper()
	cfg := common.ServerConfig{
		NodeID:         "node-1",
		Transport:      common.ServerTransportConfig{Endpoint: "inmem-dispatch-1"},
		Members:        []common.MemberEntry{{ID: "node-1", Address: "inmem-dispatch-1"}, {ID: "node-2", Address: "inmem-dispatch-2"}},
		PartitionCount: 8,
		TimeoutSecond:  1,
		Maps:           []config.MapConfig{config.DefaultMapConfig("predefined")},
	}
	s := NewRPCServer(cfg, inmem.NewInMemServerTransport(), inmem.NewInMemClientTransport, serializer.NewBinarySerializer())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func (s *RPCServer) roundTrip(t *testing.T, frame uint64, req *common.Message) *common.Message {
	t.Helper()
	data, err := s.serializer.Serialize(*req)
	require.NoError(t, err)
	var resp common.Message
	require.NoError(t, s.serializer.Deserialize(s.handle(frame, data), &resp))
	return &resp
}

func TestDispatchRouting(t *testing.T) {
	s := newTestServer(t)
	table := s.Node().Table()

	var own, foreign = -1, -1
	for pid := 0; pid < table.Count(); pid++ {
		if table.OwnerOf(pid) == "node-1" && own < 0 {
			own = pid
		}
		if table.OwnerOf(pid) == "node-2" && foreign < 0 {
			foreign = pid
		}
	}
	require.GreaterOrEqual(t, own, 0)
	require.GreaterOrEqual(t, foreign, 0)

	req := common.NewKeyRequest(common.MsgTGet, "m", foreign, []byte("k"))
	resp := s.roundTrip(t, uint64(foreign), req)
	assert.Equal(t, common.RetCWrongTarget, resp.Code)

	resp = s.roundTrip(t, uint64(table.Count()), req)
	assert.Equal(t, common.RetCInvalid, resp.Code)

	req = common.NewKeyRequest(common.MsgTSet, "m", own, []byte("k"))
	req.Value = []byte("v")
	req.Owner = "tester"
	resp = s.roundTrip(t, uint64(own), req)
	require.NoError(t, common.ErrorOf(resp))

	req = common.NewKeyRequest(common.MsgTGet, "m", own, []byte("k"))
	resp = s.roundTrip(t, uint64(own), req)
	require.NoError(t, common.ErrorOf(resp))
	assert.True(t, resp.Ok)
	assert.Equal(t, []byte("v"), resp.Value)
}

func TestDispatchErrors(t *testing.T) {
	s := newTestServer(t)

	var resp common.Message
	require.NoError(t, s.serializer.Deserialize(s.handle(common.NoPartition, []byte{0xff}), &resp))
	assert.Equal(t, common.RetCInvalid, resp.Code)

	r := s.roundTrip(t, common.NoPartition, &common.Message{MsgType: common.MsgTCustom})
	assert.Equal(t, common.RetCUnsupported, r.Code)
	assert.ErrorIs(t, common.ErrorOf(r), common.ErrUnsupportedOperation)

	// member scoped requests are never rejected as wrong target
	r = s.roundTrip(t, common.NoPartition, common.NewMapRequest(common.MsgTSize, "m"))
	require.NoError(t, common.ErrorOf(r))
	assert.Zero(t, r.Count)

	r = s.roundTrip(t, common.NoPartition, common.NewMapRequest(common.MsgTMapConfig, "predefined"))
	require.NoError(t, common.ErrorOf(r))
	var cfg config.MapConfig
	require.NoError(t, r.DecodePayload(&cfg))
	assert.Equal(t, "predefined", cfg.Name)

	r = s.roundTrip(t, common.NoPartition, &common.Message{MsgType: common.MsgTTable})
	require.NoError(t, common.ErrorOf(r))
	var table common.TablePayload
	require.NoError(t, r.DecodePayload(&table))
	assert.Equal(t, 8, table.PartitionCount)
	assert.Len(t, table.Members, 2)
}
