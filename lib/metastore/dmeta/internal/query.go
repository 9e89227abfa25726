package internal

import "github.com/ValentinKolb/dMap/lib/config"

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTGet  QueryType = iota // Retrieve one definition.
	QueryTList                  // Retrieve all definitions.
)

func (q QueryType) String() string {
	switch q {
	case QueryTGet:
		return "Get"
	case QueryTList:
		return "List"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type QueryType
	Name string // empty for QueryTList
}

// QueryResult is the result of a QueryTGet operation. QueryTList returns a []config.MapConfig.
type QueryResult struct {
	Ok     bool
	Config config.MapConfig
}
