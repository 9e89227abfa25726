// Package cmd implements the command-line interface of dMap. It provides a
// hierarchical command structure for running a member and for interacting
// with a running cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures a dMap member
//   - maps: Map operations (get, put, remove, query, ...) and a performance test
//   - lock: Lock operations on map keys (acquire, release, owner)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dmap -help for a list of all commands.
package cmd
