package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	dbConfig "github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the map registry)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// RegistryShardID is the raft shard of the map definition registry.
const RegistryShardID uint64 = 1

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig(shardId uint64) dbConfig.Config {
	return dbConfig.Config{
		ReplicaID:          c.Registry.ReplicaID,
		ShardID:            shardId,
		ElectionRTT:        electionRTTFactor,  // = c.RTTMillisecond * 10
		HeartbeatRTT:       heartbeatRTTFactor, // = c.RTTMillisecond * 2
		CheckQuorum:        true,
		SnapshotEntries:    c.Registry.SnapshotEntries,
		CompactionOverhead: c.Registry.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() dbConfig.NodeHostConfig {
	return dbConfig.NodeHostConfig{
		WALDir:         c.Registry.DataDir,
		NodeHostDir:    c.Registry.DataDir,
		RTTMillisecond: c.Registry.RTTMillisecond,
		RaftAddress:    c.Registry.Members[c.Registry.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Transport configuration (shared by server and client)
// --------------------------------------------------------------------------

// SocketConf tunes socket buffers of the framed transports.
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf tunes tcp connections.
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// ServerTransportConfig configures the listening side of a transport.
type ServerTransportConfig struct {
	Endpoint       string
	WorkersPerConn int
	BufferSize     int
	SocketConf
	TCPConf
}

// ClientTransportConfig configures the connecting side of a transport.
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	SocketConf
	TCPConf
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// RegistryMode selects the implementation of the map definition registry.
type RegistryMode string

const (
	RegistryLocal RegistryMode = "local"
	RegistryRaft  RegistryMode = "raft"
)

// RegistryConfig configures the map definition registry. The raft parameters
// are only used in RegistryRaft mode.
type RegistryConfig struct {
	Mode RegistryMode

	// Dragonboat parameters
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	Members            map[uint64]string
}

// GossipConfig configures memberlist based discovery. An empty Bind disables it.
type GossipConfig struct {
	Bind string
	Join []string
}

// ServerConfig holds all configuration parameters of a node.
type ServerConfig struct {
	// NodeID identifies the member, Advertise is the rpc address other members use
	NodeID    string
	Advertise string

	Transport ServerTransportConfig

	// Static member list (including this node), used without gossip
	Members []MemberEntry
	Gossip  GossipConfig

	// Data plane
	PartitionCount   int
	BackupCount      int
	TimeoutSecond    int64
	BackupTimeout    time.Duration
	PrepareTTL       time.Duration
	CommitRetries    int
	MigrationTimeout time.Duration

	// Map definitions and persistence
	Registry RegistryConfig
	Maps     []config.MapConfig
	MapStore string // "none" or "memory"

	// HTTP endpoint for /metrics, empty to disable
	MetricsEndpoint string

	// Logging configuration
	LogLevel     string
	RaftLogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node identity
	addSection("Node")
	addField("Node ID", c.NodeID)
	addField("Advertise", c.Advertise)

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Workers Per Conn", strconv.Itoa(c.Transport.WorkersPerConn))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Data plane
	addSection("Partitions")
	addField("Partition Count", strconv.Itoa(c.PartitionCount))
	addField("Backup Count", strconv.Itoa(c.BackupCount))
	addField("Backup Timeout", c.BackupTimeout.String())
	addField("Prepare TTL", c.PrepareTTL.String())
	addField("Commit Retries", strconv.Itoa(c.CommitRetries))
	addField("Migration Timeout", c.MigrationTimeout.String())
	addField("Map Store", c.MapStore)

	// Membership
	addSection("Membership")
	if c.Gossip.Bind != "" {
		addField("Gossip Bind", c.Gossip.Bind)
		addField("Gossip Join", strings.Join(c.Gossip.Join, ","))
	}
	for _, m := range c.Members {
		addField(m.ID, m.Address)
	}

	// Maps
	if len(c.Maps) > 0 {
		addSection("Maps")
		for _, m := range c.Maps {
			addField(m.Name, m.String())
		}
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)
	addField("Raft Log Level", c.RaftLogLevel)
	addField("Metrics Endpoint", c.MetricsEndpoint)

	addSection("Registry")
	addField("Mode", string(c.Registry.Mode))
	if c.Registry.Mode == RegistryRaft {
		addField("RAFT Address", c.Registry.Members[c.Registry.ReplicaID])
		addField("Replica ID", strconv.FormatUint(c.Registry.ReplicaID, 10))
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.Registry.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.Registry.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.Registry.RTTMillisecond*heartbeatRTTFactor))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.Registry.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.Registry.CompactionOverhead))
		addField("Data Directory", c.Registry.DataDir)

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.Registry.Members {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		sb.WriteString("  Initial Registry Members:\n")
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Replica %d: %s\n", k, c.Registry.Members[k]))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	// ClientID is the lock owner of the client, empty generates one
	ClientID      string
	TimeoutSecond int
	Transport     ClientTransportConfig
	// NearCache is applied to maps opened without an explicit configuration
	NearCache config.NearCacheConfig
}

// Timeout returns the operation timeout, zero if unset.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// ForEndpoint returns a copy of the configuration connecting only to endpoint.
func (c ClientConfig) ForEndpoint(endpoint string) ClientConfig {
	c.Transport.Endpoints = []string{endpoint}
	return c
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Client ID", c.ClientID)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))
	addField("Near Cache", strconv.FormatBool(c.NearCache.Enabled))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
