package events

import (
	"context"
	"fmt"
	"time"
)

// Type is the kind of an entry change.
type Type uint8

const (
	Added Type = iota + 1
	Updated
	Removed
	Evicted
	Expired
	Merged
	ClearAll
	EvictAll
)

func (t Type) String() string {
	switch t {
	case Added:
		return "ADDED"
	case Updated:
		return "UPDATED"
	case Removed:
		return "REMOVED"
	case Evicted:
		return "EVICTED"
	case Expired:
		return "EXPIRED"
	case Merged:
		return "MERGED"
	case ClearAll:
		return "CLEAR_ALL"
	case EvictAll:
		return "EVICT_ALL"
	default:
		return fmt.Sprintf("EVENT(%d)", uint8(t))
	}
}

// MapWide reports whether the event concerns every key of the map.
func (t Type) MapWide() bool {
	return t == ClearAll || t == EvictAll
}

// Event is one entry change. Key is empty for map wide events.
type Event struct {
	Type   Type      `json:"type"`
	Map    string    `json:"map"`
	Key    []byte    `json:"key,omitempty"`
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
}

func (e Event) String() string {
	if e.Type.MapWide() {
		return fmt.Sprintf("%s map=%s source=%s", e.Type, e.Map, e.Source)
	}
	return fmt.Sprintf("%s map=%s key=%q source=%s", e.Type, e.Map, e.Key, e.Source)
}

// Handle is an active subscription of a Channel.
type Handle interface {
	// Events delivers the notifications. It is closed after Unsubscribe.
	Events() <-chan *Event
	Unsubscribe()
}

// Channel is the invalidation event channel a near cache subscribes to.
// The Bus implements it in process, the rpc client implements it remotely.
type Channel interface {
	Subscribe(ctx context.Context, mapName string) (Handle, error)
}
