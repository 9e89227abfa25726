package tcp

import (
	"net"
	"time"

	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/ValentinKolb/dMap/rpc/transport/base"
	"github.com/cockroachdb/errors"
)

// dialTimeout bounds connecting to a member that is gone but still in the
// partition table.
const dialTimeout = 3 * time.Second

type clientConnector struct {
	dialer net.Dialer
}

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(endpoint string) (net.Conn, error) {
	conn, err := c.dialer.Dial("tcp", endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "dial member %s", endpoint)
	}
	return conn, nil
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	return upgrade(conn, config.Transport.TCPConf, config.Transport.SocketConf)
}

// NewTCPClientTransport creates a client transport dialing members over tcp.
func NewTCPClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{
		dialer: net.Dialer{Timeout: dialTimeout},
	})
}
