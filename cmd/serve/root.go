package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ValentinKolb/dMap/cmd/util"
	"github.com/ValentinKolb/dMap/lib/config"
	libUtil "github.com/ValentinKolb/dMap/lib/util"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/server"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("serve")

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dMap member",
		Long:    `Start a dMap member with the specified configuration. The configuration can be set via command line flags, environment variables or a config file. The format of the environment variables is DMAP_<flag> (e.g. DMAP_TIMEOUT=15). Map definitions are read from the "maps" section of the config file.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitEnv)

	// add flags
	key := "config"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Optional config file (yaml, json, toml) with flag values and a 'maps' list of map definitions"))

	key = "node-id"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Unique id of this member (e.g. 'node-1'). Defaults to the endpoint"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", util.WrapString("The address on which the rpc transport will listen (e.g. localhost:8080, /tmp/dmap.sock, ...)"))

	key = "advertise"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("The rpc address other members and clients use to reach this member. Defaults to the endpoint"))

	key = "members"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Static member list in the format 'node-1=host:8080,node-2=host:8081,...'. Ignored if gossip is enabled"))

	key = "gossip-bind"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("host:port for the gossip based member discovery. Empty disables gossip"))

	key = "gossip-join"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Comma-separated list of gossip addresses of running members to join"))

	key = "partitions"
	ServeCmd.PersistentFlags().Int(key, 271, util.WrapString("Number of partitions. Must be the same on every member"))

	key = "backups"
	ServeCmd.PersistentFlags().Int(key, 1, util.WrapString("Number of synchronous backups of every partition"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 10, util.WrapString("Operation timeout in seconds"))

	key = "backup-timeout"
	ServeCmd.PersistentFlags().Duration(key, 5*time.Second, util.WrapString("How long a primary waits for the acknowledgment of a backup"))

	key = "prepare-ttl"
	ServeCmd.PersistentFlags().Duration(key, 30*time.Second, util.WrapString("How long a prepared transaction waits for its decision before it is rolled back"))

	key = "commit-retries"
	ServeCmd.PersistentFlags().Int(key, 3, util.WrapString("How often a commit or rollback is retried on a participant"))

	key = "migration-timeout"
	ServeCmd.PersistentFlags().Duration(key, 30*time.Second, util.WrapString("Timeout of a partition migration"))

	key = "map-store"
	ServeCmd.PersistentFlags().String(key, "none", util.WrapString("Map store of the maps with an enabled map store config (none, memory)"))

	key = "registry"
	ServeCmd.PersistentFlags().String(key, "local", util.WrapString("Registry of the map definitions: local (per member) or raft (replicated)"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, util.WrapString("(raft registry) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value*10, HeartbeatRTT=value*1) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 10, util.WrapString("(raft registry) SnapshotEntries defines how often the state machine should be snapshotted automatically, in applied log entries. 0 disables automatic snapshotting (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 5, util.WrapString("(raft registry) CompactionOverhead defines the number of log entries kept after a snapshot"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", util.WrapString("(raft registry) DataDir is the directory used for storing the raft log and snapshots"))

	key = "registry-members"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("(raft registry) Raft addresses of the registry replicas in the format 'node-1=localhost:63001,node-2=localhost:63002,...'. The entry of --node-id is this replica"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Address of the http endpoint serving /metrics (e.g. :9090). Empty disables it"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "raft-log-level"
	ServeCmd.PersistentFlags().String(key, "error", util.WrapString("Log level of the raft library (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags, environment variables and config file and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Transport.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Advertise = viper.GetString("advertise")
	serveCmdConfig.NodeID = viper.GetString("node-id")
	if serveCmdConfig.NodeID == "" {
		serveCmdConfig.NodeID = serveCmdConfig.Transport.Endpoint
	}
	serveCmdConfig.PartitionCount = viper.GetInt("partitions")
	serveCmdConfig.BackupCount = viper.GetInt("backups")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.BackupTimeout = viper.GetDuration("backup-timeout")
	serveCmdConfig.PrepareTTL = viper.GetDuration("prepare-ttl")
	serveCmdConfig.CommitRetries = viper.GetInt("commit-retries")
	serveCmdConfig.MigrationTimeout = viper.GetDuration("migration-timeout")
	serveCmdConfig.MapStore = viper.GetString("map-store")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.RaftLogLevel = viper.GetString("raft-log-level")

	switch serveCmdConfig.MapStore {
	case "none", "memory":
	default:
		return fmt.Errorf("invalid map store %q (expected none or memory)", serveCmdConfig.MapStore)
	}

	// membership
	serveCmdConfig.Gossip.Bind = viper.GetString("gossip-bind")
	if join := viper.GetString("gossip-join"); join != "" {
		serveCmdConfig.Gossip.Join = strings.Split(join, ",")
	}
	members, err := parseMembers(viper.GetString("members"))
	if err != nil {
		return err
	}
	for id, addr := range members {
		serveCmdConfig.Members = append(serveCmdConfig.Members, common.MemberEntry{ID: id, Address: addr})
	}

	// registry
	serveCmdConfig.Registry.Mode = common.RegistryMode(viper.GetString("registry"))
	switch serveCmdConfig.Registry.Mode {
	case common.RegistryLocal:
	case common.RegistryRaft:
		serveCmdConfig.Registry.RTTMillisecond = viper.GetUint64("rtt-millisecond")
		serveCmdConfig.Registry.SnapshotEntries = viper.GetUint64("snapshot-entries")
		serveCmdConfig.Registry.CompactionOverhead = viper.GetUint64("compaction-overhead")
		serveCmdConfig.Registry.DataDir = viper.GetString("data-dir")
		serveCmdConfig.Registry.ReplicaID = libUtil.HashString(serveCmdConfig.NodeID, 0)

		replicas, err := parseMembers(viper.GetString("registry-members"))
		if err != nil {
			return err
		}
		if len(replicas) == 0 {
			return fmt.Errorf("registry-members is required for the raft registry")
		}
		serveCmdConfig.Registry.Members = make(map[uint64]string, len(replicas))
		for id, addr := range replicas {
			serveCmdConfig.Registry.Members[libUtil.HashString(id, 0)] = addr
		}
		if _, ok := serveCmdConfig.Registry.Members[serveCmdConfig.Registry.ReplicaID]; !ok {
			return fmt.Errorf("no registry address found for node %s", serveCmdConfig.NodeID)
		}
	default:
		return fmt.Errorf("invalid registry %q (expected local or raft)", serveCmdConfig.Registry.Mode)
	}

	// map definitions of the config file
	var maps []config.MapConfig
	if err := viper.UnmarshalKey("maps", &maps); err != nil {
		return fmt.Errorf("invalid map definitions: %w", err)
	}
	for _, m := range maps {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid map definition %q: %w", m.Name, err)
		}
	}
	serveCmdConfig.Maps = maps

	return nil
}

// parseMembers parses 'id=address,...'
func parseMembers(list string) (map[string]string, error) {
	out := make(map[string]string)
	if list == "" {
		return out, nil
	}
	for _, member := range strings.Split(list, ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid member format: %s (expected ID=address)", member)
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out, nil
}

// run starts the member and blocks until it is stopped by a signal
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel, serveCmdConfig.RaftLogLevel); err != nil {
		return err
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}
	t, err := util.GetServerTransport()
	if err != nil {
		return err
	}
	peers, err := util.GetClientTransportFactory()
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(*serveCmdConfig, t, peers, s)
	if err := serv.Start(); err != nil {
		return err
	}

	if endpoint := serveCmdConfig.MetricsEndpoint; endpoint != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			metrics.WritePrometheus(w, true)
			serv.Node().WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(endpoint, mux); err != nil {
				Logger.Errorf("metrics endpoint %s stopped: %v", endpoint, err)
			}
		}()
		Logger.Infof("serving metrics on %s/metrics", endpoint)
	}

	done := make(chan error, 1)
	go func() { done <- serv.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case s := <-sig:
		Logger.Infof("received %s, shutting down", s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(serveCmdConfig.TimeoutSecond)*time.Second+serveCmdConfig.MigrationTimeout)
	defer cancel()
	return serv.Close(ctx)
}
