package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	Logger = logger.GetLogger("rpc-client")

	// ErrUnsupportedOperation is returned by the local-only operations of a
	// map proxy.
	ErrUnsupportedOperation = common.ErrUnsupportedOperation

	// ErrClientClosed is returned after Shutdown.
	ErrClientClosed = errors.New("client is shut down")
)

// connPool holds one connected transport per member address and carries
// requests over them. It is shared by the client invoker and the peer client.
type connPool struct {
	config     common.ClientConfig
	factory    transport.ClientFactory
	serializer serializer.IRPCSerializer

	connectMu sync.Mutex // serializes connects
	conns     *xsync.MapOf[string, transport.IRPCClientTransport]
	closed    atomic.Bool
}

func newConnPool(config common.ClientConfig, factory transport.ClientFactory, serializer serializer.IRPCSerializer) *connPool {
	return &connPool{
		config:     config,
		factory:    factory,
		serializer: serializer,
		conns:      xsync.NewMapOf[string, transport.IRPCClientTransport](),
	}
}

// transportFor returns the transport of addr, connecting on first use
func (p *connPool) transportFor(addr string) (transport.IRPCClientTransport, error) {
	if t, ok := p.conns.Load(addr); ok {
		return t, nil
	}
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	if p.closed.Load() {
		return nil, ErrClientClosed
	}
	if t, ok := p.conns.Load(addr); ok {
		return t, nil
	}
	t := p.factory()
	if err := t.Connect(p.config.ForEndpoint(addr)); err != nil {
		return nil, err
	}
	p.conns.Store(addr, t)
	return t, nil
}

// forget closes and drops the transport of addr, e.g. after a member left
func (p *connPool) forget(addr string) {
	if t, ok := p.conns.LoadAndDelete(addr); ok {
		_ = t.Close()
	}
}

// invoke sends req to addr and returns the response. Errors reported by the
// remote side are returned as *common.RemoteError, transport failures are
// marked with mapservice.ErrUnreachable.
func (p *connPool) invoke(ctx context.Context, addr string, frame uint64, req *common.Message) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := p.serializer.Serialize(*req)
	if err != nil {
		return nil, errors.Wrapf(err, "serialize %s request", req.MsgType)
	}

	t, err := p.transportFor(addr)
	if err != nil {
		if errors.Is(err, ErrClientClosed) {
			return nil, err
		}
		return nil, errors.Mark(errors.Wrapf(err, "connect to %s", addr), mapservice.ErrUnreachable)
	}

	// Send the request
	respBytes, err := t.Send(ctx, frame, reqBytes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "%s to %s", req.MsgType, addr)
		}
		return nil, errors.Mark(errors.Wrapf(err, "%s to %s", req.MsgType, addr), mapservice.ErrUnreachable)
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := p.serializer.Deserialize(respBytes, resp); err != nil {
		return nil, errors.Wrapf(err, "deserialize %s response from %s", req.MsgType, addr)
	}

	// Check if the response is an error response
	if err := common.ErrorOf(resp); err != nil {
		return nil, err
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}
	return resp, nil
}

// close closes every transport
func (p *connPool) close() error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	p.closed.Store(true)
	var err error
	p.conns.Range(func(addr string, t transport.IRPCClientTransport) bool {
		if cerr := t.Close(); cerr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(cerr, "close %s", addr))
		}
		p.conns.Delete(addr)
		return true
	})
	return err
}
