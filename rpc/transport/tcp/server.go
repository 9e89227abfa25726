package tcp

import (
	"net"
	"time"

	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/ValentinKolb/dMap/rpc/transport/base"
	"github.com/cockroachdb/errors"
)

type serverConnector struct{}

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.Transport.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "member %s: listen on %s", config.NodeID, config.Transport.Endpoint)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.ServerConfig) error {
	return upgrade(conn, config.Transport.TCPConf, config.Transport.SocketConf)
}

// NewTCPServerTransport creates the tcp server transport of a member.
func NewTCPServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}

// upgrade applies the socket options of the configuration. Connections of
// other types are left alone.
func upgrade(conn net.Conn, tcpConf common.TCPConf, sockConf common.SocketConf) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	if err := tcpConn.SetNoDelay(tcpConf.TCPNoDelay); err != nil {
		return errors.Wrap(err, "set no delay")
	}
	if size := sockConf.WriteBufferSize; size > 0 {
		if err := tcpConn.SetWriteBuffer(size); err != nil {
			return errors.Wrapf(err, "set write buffer to %d", size)
		}
	}
	if size := sockConf.ReadBufferSize; size > 0 {
		if err := tcpConn.SetReadBuffer(size); err != nil {
			return errors.Wrapf(err, "set read buffer to %d", size)
		}
	}

	// keep alive detects members that vanished without closing the connection
	if sec := tcpConf.TCPKeepAliveSec; sec > 0 {
		err := tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable: true,
			Idle:   time.Duration(sec) * time.Second,
		})
		if err != nil {
			return errors.Wrap(err, "set keep alive")
		}
	}

	if sec := tcpConf.TCPLingerSec; sec > 0 {
		if err := tcpConn.SetLinger(sec); err != nil {
			return errors.Wrap(err, "set linger")
		}
	}
	return nil
}
