package record

import (
	"bytes"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidKey is returned for nil or empty keys.
	ErrInvalidKey = errors.New("invalid key: must not be empty")
	// ErrInvalidValue is returned for nil values.
	ErrInvalidValue = errors.New("invalid value: must not be nil")
)

// NoTTL marks a record that never expires.
const NoTTL time.Duration = -1

// UseDefaultTTL tells a store to apply the map's default ttl.
const UseDefaultTTL time.Duration = -2

// recordOverhead approximates the fixed heap cost of a Record (struct, timestamps, map slot).
const recordOverhead = 112

// ValidateKey rejects keys that must never reach a record store.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	return nil
}

// ValidateValue rejects values that must never reach a record store.
func ValidateValue(value []byte) error {
	if value == nil {
		return ErrInvalidValue
	}
	return nil
}

// Record is a key/value pair with its metadata.
//
// Thread-safety: Records are not synchronized. Only the owning store mutates
// them, inside the partition's single-writer region.
type Record struct {
	Key            []byte
	Value          []byte
	Object         any // decoded view, OBJECT format only
	TTL            time.Duration
	CreationTime   time.Time
	LastAccessTime time.Time
	LastUpdateTime time.Time
	Version        uint64
	Hits           int64

	handle *Handle // arena slot, NATIVE format only
	cost   int64
}

// IsExpired reports whether the record is logically gone at now.
func (r *Record) IsExpired(now time.Time) bool {
	return r.TTL >= 0 && now.Sub(r.LastUpdateTime) >= r.TTL
}

// ExpirationTime returns the instant the record expires, ok is false for records without ttl.
func (r *Record) ExpirationTime() (t time.Time, ok bool) {
	if r.TTL < 0 {
		return time.Time{}, false
	}
	return r.LastUpdateTime.Add(r.TTL), true
}

// OnAccess updates the access metadata, the value is not touched.
func (r *Record) OnAccess(now time.Time) {
	r.LastAccessTime = now
	r.Hits++
}

// Cost returns the cost that was last accounted for this record.
func (r *Record) Cost() int64 {
	return r.cost
}

// CopyValue returns a copy of the value that stays valid after the record changes.
func (r *Record) CopyValue() []byte {
	if r.Value == nil {
		return nil
	}
	return bytes.Clone(r.Value)
}

// EntryView is an immutable snapshot of a record for callers outside the store.
type EntryView struct {
	Key            []byte        `json:"key"`
	Value          []byte        `json:"value"`
	Cost           int64         `json:"cost"`
	CreationTime   time.Time     `json:"creation_time"`
	LastAccessTime time.Time     `json:"last_access_time"`
	LastUpdateTime time.Time     `json:"last_update_time"`
	ExpirationTime time.Time     `json:"expiration_time"`
	TTL            time.Duration `json:"ttl"`
	Hits           int64         `json:"hits"`
	Version        uint64        `json:"version"`
}

// View snapshots the record.
func (r *Record) View() EntryView {
	v := EntryView{
		Key:            bytes.Clone(r.Key),
		Value:          r.CopyValue(),
		Cost:           r.cost,
		CreationTime:   r.CreationTime,
		LastAccessTime: r.LastAccessTime,
		LastUpdateTime: r.LastUpdateTime,
		TTL:            r.TTL,
		Hits:           r.Hits,
		Version:        r.Version,
	}
	if exp, ok := r.ExpirationTime(); ok {
		v.ExpirationTime = exp
	}
	return v
}
