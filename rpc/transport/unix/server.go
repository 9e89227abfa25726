package unix

import (
	"io/fs"
	"net"
	"os"

	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/transport"
	"github.com/ValentinKolb/dMap/rpc/transport/base"
	"github.com/cockroachdb/errors"
)

type serverConnector struct{}

func (c *serverConnector) GetName() string {
	return "unix"
}

// Listen replaces a stale socket file left by a previous member. Any other
// file at the endpoint is an error.
func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	socketPath := config.Transport.Endpoint

	info, err := os.Lstat(socketPath)
	switch {
	case err == nil && info.Mode()&fs.ModeSocket == 0:
		return nil, errors.Newf("%s exists and is not a socket", socketPath)
	case err == nil:
		if err := os.Remove(socketPath); err != nil {
			return nil, errors.Wrapf(err, "remove stale socket %s", socketPath)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, errors.Wrapf(err, "stat %s", socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "member %s: listen on %s", config.NodeID, socketPath)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(net.Conn, common.ServerConfig) error {
	return nil
}

// NewUnixServerTransport creates the unix socket server transport of a member.
func NewUnixServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}
