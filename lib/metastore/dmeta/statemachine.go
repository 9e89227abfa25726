package dmeta

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/metastore"
	"github.com/ValentinKolb/dMap/lib/metastore/dmeta/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// MetaStateMachine is the registry state machine of one replica.
type MetaStateMachine struct {
	replicaID uint64
	shardID   uint64
	maps      *xsync.MapOf[string, config.MapConfig]
}

// CreateStateMachineFactory returns the factory dragonboat uses to create the
// state machine of a replica.
func CreateStateMachineFactory() func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &MetaStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			maps:      xsync.NewMapOf[string, config.MapConfig](),
		}
	}
}

// Lookup handles read-only queries.
func (fsm *MetaStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, fmt.Errorf("invalid query type: %T", itf)
	}
	switch q.Type {
	case internal.QueryTGet:
		cfg, ok := fsm.maps.Load(q.Name)
		return internal.QueryResult{Ok: ok, Config: cfg}, nil
	case internal.QueryTList:
		return fsm.list(), nil
	default:
		return nil, fmt.Errorf("unknown query operation: %s", q.Type)
	}
}

func (fsm *MetaStateMachine) list() []config.MapConfig {
	out := make([]config.MapConfig, 0, fsm.maps.Size())
	fsm.maps.Range(func(_ string, cfg config.MapConfig) bool {
		out = append(out, cfg)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update applies put and delete commands.
func (fsm *MetaStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	start := time.Now()

	for idx, e := range entries {
		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{
				Value: uint64(internal.RetCInternalError),
				Data:  []byte(fmt.Sprintf("failed to deserialize command: %v", err)),
			}
			continue
		}

		switch cmd.Type {
		case internal.CommandTPut:
			var cfg config.MapConfig
			if err := json.Unmarshal(cmd.Definition, &cfg); err != nil {
				entries[idx].Result = sm.Result{
					Value: uint64(internal.RetCInvalidOperation),
					Data:  []byte(fmt.Sprintf("invalid definition for %q: %v", cmd.Name, err)),
				}
				continue
			}
			cfg, err := metastore.Prepare(cfg)
			if err != nil {
				entries[idx].Result = sm.Result{Value: uint64(internal.RetCInvalidOperation), Data: []byte(err.Error())}
				continue
			}
			fsm.maps.Store(cmd.Name, cfg)
			entries[idx].Result = sm.Result{Value: uint64(internal.RetCSuccess)}
		case internal.CommandTDelete:
			if _, ok := fsm.maps.LoadAndDelete(cmd.Name); !ok {
				entries[idx].Result = sm.Result{Value: uint64(internal.RetCNotFound)}
				continue
			}
			entries[idx].Result = sm.Result{Value: uint64(internal.RetCSuccess)}
		default:
			entries[idx].Result = sm.Result{
				Value: uint64(internal.RetCInvalidOperation),
				Data:  []byte(fmt.Sprintf("unknown command operation: %s", cmd.Type)),
			}
		}
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		Logger.Infof("registry state machine took %.2fms for %d entries", float64(elapsed)/float64(time.Millisecond), len(entries))
	}
	return entries, nil
}

// PrepareSnapshot captures the definitions; the copy is written by SaveSnapshot.
func (fsm *MetaStateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.list(), nil
}

// SaveSnapshot writes the captured definitions as JSON.
func (fsm *MetaStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	defs, ok := ctx.([]config.MapConfig)
	if !ok {
		return fmt.Errorf("invalid snapshot context: %T", ctx)
	}
	return json.NewEncoder(writer).Encode(defs)
}

// RecoverFromSnapshot replaces the definitions with the snapshot content.
func (fsm *MetaStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	var defs []config.MapConfig
	if err := json.NewDecoder(r).Decode(&defs); err != nil {
		return fmt.Errorf("failed to decode registry snapshot: %w", err)
	}
	fsm.maps.Clear()
	for _, cfg := range defs {
		fsm.maps.Store(cfg.Name, cfg)
	}
	return nil
}

// Close performs any necessary cleanup.
func (fsm *MetaStateMachine) Close() error {
	return nil
}
