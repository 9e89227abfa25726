package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Enumerations
// --------------------------------------------------------------------------

// InMemoryFormat selects how a record store keeps values.
type InMemoryFormat string

const (
	// FormatBinary keeps the serialized bytes (default).
	FormatBinary InMemoryFormat = "BINARY"
	// FormatObject keeps the bytes plus a decoded view used for attribute extraction.
	FormatObject InMemoryFormat = "OBJECT"
	// FormatNative keeps the bytes in manually managed arena memory.
	FormatNative InMemoryFormat = "NATIVE"
)

// EvictionPolicy selects which near cache entry is dropped when the cache is full.
type EvictionPolicy string

const (
	EvictionNone   EvictionPolicy = "NONE"
	EvictionLRU    EvictionPolicy = "LRU"
	EvictionLFU    EvictionPolicy = "LFU"
	EvictionRandom EvictionPolicy = "RANDOM"
)

// InitialLoadMode decides when a map store is asked for all keys.
type InitialLoadMode string

const (
	InitialLoadLazy  InitialLoadMode = "LAZY"
	InitialLoadEager InitialLoadMode = "EAGER"
)

// NoTTL marks records that never expire.
const NoTTL time.Duration = -1

// --------------------------------------------------------------------------
// Configuration objects
// --------------------------------------------------------------------------

// NearCacheConfig configures the client side near cache of a map.
type NearCacheConfig struct {
	Enabled            bool           `mapstructure:"enabled" json:"enabled"`
	InvalidateOnChange bool           `mapstructure:"invalidate-on-change" json:"invalidate_on_change"`
	EvictionPolicy     EvictionPolicy `mapstructure:"eviction-policy" json:"eviction_policy"`
	MaxSize            int            `mapstructure:"max-size" json:"max_size"`
	TTL                time.Duration  `mapstructure:"ttl" json:"ttl"`
	MaxIdle            time.Duration  `mapstructure:"max-idle" json:"max_idle"`
	// CacheLocalEntries also caches entries owned by the local member. Clients
	// own no partitions, so it has no effect there.
	CacheLocalEntries bool `mapstructure:"cache-local-entries" json:"cache_local_entries"`
}

// IndexConfig declares an index on a value attribute.
type IndexConfig struct {
	Attribute string `mapstructure:"attribute" json:"attribute"`
	Ordered   bool   `mapstructure:"ordered" json:"ordered"`
}

// MapStoreConfig configures the persistence connector of a map.
// A WriteDelay of zero means write-through.
type MapStoreConfig struct {
	Enabled        bool            `mapstructure:"enabled" json:"enabled"`
	WriteDelay     time.Duration   `mapstructure:"write-delay" json:"write_delay"`
	WriteBatchSize int             `mapstructure:"write-batch-size" json:"write_batch_size"`
	InitialLoad    InitialLoadMode `mapstructure:"initial-load" json:"initial_load"`
}

// WriteBehind reports whether store calls are queued instead of synchronous.
func (c MapStoreConfig) WriteBehind() bool {
	return c.Enabled && c.WriteDelay > 0
}

// MapConfig is the immutable definition of one named map.
type MapConfig struct {
	Name           string          `mapstructure:"name" json:"name"`
	InMemoryFormat InMemoryFormat  `mapstructure:"in-memory-format" json:"in_memory_format"`
	DefaultTTL     time.Duration   `mapstructure:"default-ttl" json:"default_ttl"`
	BackupCount    int             `mapstructure:"backup-count" json:"backup_count"`
	Indexes        []IndexConfig   `mapstructure:"indexes" json:"indexes"`
	NearCache      NearCacheConfig `mapstructure:"near-cache" json:"near_cache"`
	MapStore       MapStoreConfig  `mapstructure:"map-store" json:"map_store"`
}

// DefaultMapConfig returns the configuration used for maps nobody defined.
func DefaultMapConfig(name string) MapConfig {
	return MapConfig{
		Name:           name,
		InMemoryFormat: FormatBinary,
		DefaultTTL:     NoTTL,
		BackupCount:    1,
		NearCache: NearCacheConfig{
			Enabled:            false,
			InvalidateOnChange: true,
			EvictionPolicy:     EvictionLRU,
			MaxSize:            10000,
		},
		MapStore: MapStoreConfig{
			WriteBatchSize: 100,
			InitialLoad:    InitialLoadLazy,
		},
	}
}

// Normalize fills zero values with defaults and upper-cases enum values,
// so definitions read from a config file may omit fields.
func (c MapConfig) Normalize() MapConfig {
	d := DefaultMapConfig(c.Name)
	c.InMemoryFormat = InMemoryFormat(strings.ToUpper(string(c.InMemoryFormat)))
	if c.InMemoryFormat == "" {
		c.InMemoryFormat = d.InMemoryFormat
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	c.NearCache.EvictionPolicy = EvictionPolicy(strings.ToUpper(string(c.NearCache.EvictionPolicy)))
	if c.NearCache.EvictionPolicy == "" {
		c.NearCache.EvictionPolicy = d.NearCache.EvictionPolicy
	}
	if c.NearCache.MaxSize == 0 {
		c.NearCache.MaxSize = d.NearCache.MaxSize
	}
	if c.MapStore.WriteBatchSize == 0 {
		c.MapStore.WriteBatchSize = d.MapStore.WriteBatchSize
	}
	c.MapStore.InitialLoad = InitialLoadMode(strings.ToUpper(string(c.MapStore.InitialLoad)))
	if c.MapStore.InitialLoad == "" {
		c.MapStore.InitialLoad = d.MapStore.InitialLoad
	}
	c.Indexes = append([]IndexConfig(nil), c.Indexes...)
	return c
}

// Validate rejects definitions the data plane cannot serve.
func (c MapConfig) Validate() error {
	if c.Name == "" {
		return errors.New("map config: name must not be empty")
	}
	switch c.InMemoryFormat {
	case FormatBinary, FormatObject, FormatNative:
	default:
		return errors.Newf("map config %q: unknown in-memory format %q", c.Name, c.InMemoryFormat)
	}
	switch c.NearCache.EvictionPolicy {
	case EvictionNone, EvictionLRU, EvictionLFU, EvictionRandom:
	default:
		return errors.Newf("map config %q: unknown eviction policy %q", c.Name, c.NearCache.EvictionPolicy)
	}
	if c.BackupCount < 0 {
		return errors.Newf("map config %q: backup count must not be negative", c.Name)
	}
	if c.NearCache.MaxSize < 0 {
		return errors.Newf("map config %q: near cache max size must not be negative", c.Name)
	}
	seen := make(map[string]bool, len(c.Indexes))
	for _, idx := range c.Indexes {
		if idx.Attribute == "" {
			return errors.Newf("map config %q: index attribute must not be empty", c.Name)
		}
		if seen[idx.Attribute] {
			return errors.Newf("map config %q: duplicate index on %q", c.Name, idx.Attribute)
		}
		seen[idx.Attribute] = true
	}
	return nil
}

// WithIndex returns a copy of the config with one more index. Existing
// indexes on the same attribute are left as they are.
func (c MapConfig) WithIndex(idx IndexConfig) MapConfig {
	out := c
	out.Indexes = make([]IndexConfig, 0, len(c.Indexes)+1)
	for _, existing := range c.Indexes {
		if existing.Attribute == idx.Attribute {
			out.Indexes = append(out.Indexes, c.Indexes...)
			return out
		}
	}
	out.Indexes = append(append(out.Indexes, c.Indexes...), idx)
	return out
}

// HasIndex reports whether the attribute is indexed.
func (c MapConfig) HasIndex(attribute string) bool {
	for _, idx := range c.Indexes {
		if idx.Attribute == attribute {
			return true
		}
	}
	return false
}

func (c MapConfig) String() string {
	return fmt.Sprintf("map %q: format=%s default-ttl=%v backups=%d indexes=%d near-cache=%v map-store=%v",
		c.Name, c.InMemoryFormat, c.DefaultTTL, c.BackupCount, len(c.Indexes), c.NearCache.Enabled, c.MapStore.Enabled)
}
