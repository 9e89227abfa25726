package dmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/metastore"
	"github.com/ValentinKolb/dMap/lib/metastore/dmeta/internal"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	Logger  = logger.GetLogger("metastore")
)

// storeImpl talks to the registry state machine through a NodeHost.
type storeImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

// NewDistributedMetaStore creates a registry client for the shard. The shard
// must have been started on nh with CreateStateMachineFactory.
func NewDistributedMetaStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) metastore.IMetaStore {
	return &storeImpl{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// write proposes cmd and returns the result code of the state machine.
func (s *storeImpl) write(cmd internal.Command) (internal.RetCode, error) {
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		res, err := s.nh.SyncPropose(ctx, s.cs, cmd.Serialize())
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			Logger.Infof("SyncPropose: system busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return internal.RetCInternalError, errors.Wrapf(err, "registry: propose %s %q", cmd.Type, cmd.Name)
		}
		code := internal.RetCode(res.Value)
		switch code {
		case internal.RetCSuccess, internal.RetCNotFound:
			return code, nil
		case internal.RetCInvalidOperation:
			return code, errors.Wrap(metastore.ErrInvalidDefinition, string(res.Data))
		default:
			return code, errors.Newf("registry: %s %q failed: %s", cmd.Type, cmd.Name, res.Data)
		}
	}
	return internal.RetCInternalError, errors.Newf("registry: %s %q timed out", cmd.Type, cmd.Name)
}

// read queries the state machine and converts the response into R.
func read[R any](s *storeImpl, q internal.Query) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		res, err := s.nh.SyncRead(ctx, s.shardID, q)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			Logger.Infof("SyncRead: system busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return zero, errors.Wrapf(err, "registry: read %s", q.Type)
		}
		casted, ok := res.(R)
		if !ok {
			return zero, fmt.Errorf("unexpected type: received %T, expected %T", res, zero)
		}
		return casted, nil
	}
	return zero, errors.Newf("registry: read %s timed out", q.Type)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see metastore.IMetaStore)
// --------------------------------------------------------------------------

func (s *storeImpl) PutMap(cfg config.MapConfig) error {
	cfg, err := metastore.Prepare(cfg)
	if err != nil {
		return err
	}
	def, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrapf(err, "registry: encode %q", cfg.Name)
	}
	_, err = s.write(internal.Command{Type: internal.CommandTPut, Name: cfg.Name, Definition: def})
	return err
}

func (s *storeImpl) GetMap(name string) (config.MapConfig, bool, error) {
	res, err := read[internal.QueryResult](s, internal.Query{Type: internal.QueryTGet, Name: name})
	if err != nil {
		return config.MapConfig{}, false, err
	}
	return res.Config, res.Ok, nil
}

func (s *storeImpl) ListMaps() ([]config.MapConfig, error) {
	return read[[]config.MapConfig](s, internal.Query{Type: internal.QueryTList})
}

func (s *storeImpl) DeleteMap(name string) (bool, error) {
	code, err := s.write(internal.Command{Type: internal.CommandTDelete, Name: name})
	if err != nil {
		return false, err
	}
	return code == internal.RetCSuccess, nil
}
