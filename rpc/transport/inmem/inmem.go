package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// servers maps endpoint names to the handler listening on them
var servers = xsync.NewMapOf[string, transport.ServerHandleFunc]()

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// NewInMemServerTransport creates a server transport that registers its
// handler under the configured endpoint name of this process
func NewInMemServerTransport() transport.IRPCServerTransport {
	return &serverTransport{done: make(chan struct{})}
}

type serverTransport struct {
	handler  transport.ServerHandleFunc
	mu       sync.Mutex
	endpoint string
	once     sync.Once
	done     chan struct{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (s *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	s.handler = handler
}

func (s *serverTransport) Listen(config common.ServerConfig) error {
	if s.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	endpoint := config.Transport.Endpoint
	if _, loaded := servers.LoadOrStore(endpoint, s.handler); loaded {
		return fmt.Errorf("endpoint %q already in use", endpoint)
	}
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	<-s.done
	servers.Delete(endpoint)
	return nil
}

func (s *serverTransport) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		if s.endpoint != "" {
			servers.Delete(s.endpoint)
		}
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// NewInMemClientTransport creates a client transport calling handlers of
// this process directly
func NewInMemClientTransport() transport.IRPCClientTransport {
	return &clientTransport{}
}

type clientTransport struct {
	config common.ClientConfig
	next   uint32
	mu     sync.Mutex
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (c *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	for _, ep := range config.Transport.Endpoints {
		if _, ok := servers.Load(ep); ok {
			c.config = config
			return nil
		}
	}
	return fmt.Errorf("failed to connect to any endpoint of %v", config.Transport.Endpoints)
}

func (c *clientTransport) Send(ctx context.Context, partitionID uint64, req []byte) ([]byte, error) {
	if timeout := c.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	endpoint := c.endpoint()
	handler, ok := servers.Load(endpoint)
	if !ok {
		return nil, fmt.Errorf("connection refused: no server on %q", endpoint)
	}

	// the handler owns its request buffer, like a frame read from a socket
	buf := make([]byte, len(req))
	copy(buf, req)

	respCh := make(chan []byte, 1)
	go func() { respCh <- handler(partitionID, buf) }()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *clientTransport) Close() error {
	return nil
}

// endpoint selects the next endpoint via Round Robin
func (c *clientTransport) endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	eps := c.config.Transport.Endpoints
	ep := eps[int(c.next)%len(eps)]
	c.next++
	return ep
}
