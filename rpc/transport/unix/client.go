package unix

import (
	"net"
	"time"

	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/ValentinKolb/dMap/rpc/transport/base"
	"github.com/cockroachdb/errors"
)

const dialTimeout = time.Second

// clientConnector connects to members on the same host.
type clientConnector struct{}

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(socketPath string) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial socket %s", socketPath)
	}
	return conn, nil
}

// UpgradeConnection is a no-op, unix sockets have no tunable options.
func (c *clientConnector) UpgradeConnection(net.Conn, common.ClientConfig) error {
	return nil
}

// NewUnixClientTransport creates a client transport for unix socket endpoints.
func NewUnixClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{})
}
