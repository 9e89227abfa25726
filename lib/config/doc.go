// Package config defines the immutable configuration objects of a distributed map.
//
// A MapConfig is handed to every component at construction time (record store,
// index set, near cache, map store writer) and never changes afterwards. Runtime
// changes, like an index added through the client, produce a new MapConfig via
// the With* helpers which copy instead of mutate.
//
// Map definitions can be loaded from the server config file (viper, mapstructure
// tags) under the "maps" key:
//
//	maps:
//	  - name: orders
//	    in-memory-format: OBJECT
//	    default-ttl: 10m
//	    indexes:
//	      - attribute: customer.id
//	        ordered: false
//	    near-cache:
//	      enabled: true
//	      invalidate-on-change: true
//	      eviction-policy: LRU
//	      max-size: 10000
package config
