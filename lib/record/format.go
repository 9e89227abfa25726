package record

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/cockroachdb/errors"
)

// Records is the view of a store's record container that a Format needs for bulk clears.
type Records interface {
	Range(f func(key string, r *Record) bool)
	Delete(key string)
	Store(key string, r *Record)
	Clear()
}

// Format is the in-memory format strategy of a record store.
// It creates and updates records and knows how to release them.
type Format interface {
	// Name returns the configured format.
	Name() config.InMemoryFormat

	// Create builds a new record owning a copy of key and value.
	Create(key, value []byte, ttl time.Duration, now time.Time) *Record

	// Update replaces the value of r and bumps version and update time.
	// It returns the cost difference to add to the estimator.
	Update(r *Record, value []byte, now time.Time) int64

	// Equal compares the stored value with value by serialized equality.
	Equal(r *Record, value []byte) bool

	// Release frees everything the record holds outside the Go heap.
	Release(r *Record)

	// Clear removes every record for which preserve returns false and returns
	// the removed records. Preserved records stay untouched.
	Clear(records Records, preserve func(key string) bool) []*Record
}

// NewFormat returns the strategy for the configured format.
// NATIVE formats allocate from arena, which must not be nil for them.
func NewFormat(f config.InMemoryFormat, arena *Arena) (Format, error) {
	switch f {
	case config.FormatBinary, "":
		return binaryFormat{}, nil
	case config.FormatObject:
		return objectFormat{}, nil
	case config.FormatNative:
		if arena == nil {
			return nil, errors.New("native format requires an arena")
		}
		return &nativeFormat{arena: arena}, nil
	default:
		return nil, errors.Newf("unknown in-memory format %q", f)
	}
}

func newRecord(key []byte, ttl time.Duration, now time.Time) *Record {
	return &Record{
		Key:            bytes.Clone(key),
		TTL:            ttl,
		CreationTime:   now,
		LastAccessTime: now,
		LastUpdateTime: now,
		Version:        1,
	}
}

// ----------------------------------------------------------------------------
// BINARY
// ----------------------------------------------------------------------------

type binaryFormat struct{}

func (binaryFormat) Name() config.InMemoryFormat { return config.FormatBinary }

func (f binaryFormat) Create(key, value []byte, ttl time.Duration, now time.Time) *Record {
	r := newRecord(key, ttl, now)
	r.Value = bytes.Clone(value)
	r.cost = f.cost(r)
	return r
}

func (f binaryFormat) Update(r *Record, value []byte, now time.Time) int64 {
	old := r.cost
	r.Value = bytes.Clone(value)
	touch(r, now)
	r.cost = f.cost(r)
	return r.cost - old
}

func (binaryFormat) Equal(r *Record, value []byte) bool { return bytes.Equal(r.Value, value) }

func (binaryFormat) Release(*Record) {}

func (binaryFormat) Clear(records Records, preserve func(string) bool) []*Record {
	return wipeAndRestore(records, preserve)
}

func (binaryFormat) cost(r *Record) int64 {
	return recordOverhead + int64(len(r.Key)+len(r.Value))
}

// ----------------------------------------------------------------------------
// OBJECT
// ----------------------------------------------------------------------------

// objectOverhead approximates the decoded view relative to the serialized size.
const objectOverhead = 2

type objectFormat struct{}

func (objectFormat) Name() config.InMemoryFormat { return config.FormatObject }

func (f objectFormat) Create(key, value []byte, ttl time.Duration, now time.Time) *Record {
	r := newRecord(key, ttl, now)
	r.Value = bytes.Clone(value)
	r.Object = decodeObject(value)
	r.cost = f.cost(r)
	return r
}

func (f objectFormat) Update(r *Record, value []byte, now time.Time) int64 {
	old := r.cost
	r.Value = bytes.Clone(value)
	r.Object = decodeObject(value)
	touch(r, now)
	r.cost = f.cost(r)
	return r.cost - old
}

func (objectFormat) Equal(r *Record, value []byte) bool { return bytes.Equal(r.Value, value) }

func (objectFormat) Release(r *Record) { r.Object = nil }

func (objectFormat) Clear(records Records, preserve func(string) bool) []*Record {
	return wipeAndRestore(records, preserve)
}

func (objectFormat) cost(r *Record) int64 {
	c := recordOverhead + int64(len(r.Key)+len(r.Value))
	if r.Object != nil {
		c += objectOverhead * int64(len(r.Value))
	}
	return c
}

// decodeObject returns the JSON view of value or nil for non-JSON values.
func decodeObject(value []byte) any {
	var obj any
	if err := json.Unmarshal(value, &obj); err != nil {
		return nil
	}
	return obj
}

// ----------------------------------------------------------------------------
// NATIVE
// ----------------------------------------------------------------------------

type nativeFormat struct {
	arena *Arena
}

func (*nativeFormat) Name() config.InMemoryFormat { return config.FormatNative }

func (f *nativeFormat) Create(key, value []byte, ttl time.Duration, now time.Time) *Record {
	r := newRecord(key, ttl, now)
	r.handle = f.arena.Alloc(value)
	r.Value = r.handle.Bytes()
	r.cost = f.cost(r)
	return r
}

func (f *nativeFormat) Update(r *Record, value []byte, now time.Time) int64 {
	old := r.cost
	f.arena.Free(r.handle)
	r.handle = f.arena.Alloc(value)
	r.Value = r.handle.Bytes()
	touch(r, now)
	r.cost = f.cost(r)
	return r.cost - old
}

func (*nativeFormat) Equal(r *Record, value []byte) bool { return bytes.Equal(r.Value, value) }

// Release invalidates the record, its value is unusable afterwards.
func (f *nativeFormat) Release(r *Record) {
	f.arena.Free(r.handle)
	r.handle = nil
	r.Value = nil
}

// Clear invalidates and removes every record that is not preserved, one by one.
func (f *nativeFormat) Clear(records Records, preserve func(string) bool) []*Record {
	var removed []*Record
	var keys []string
	records.Range(func(key string, r *Record) bool {
		if preserve != nil && preserve(key) {
			return true
		}
		removed = append(removed, r)
		keys = append(keys, key)
		return true
	})
	for i, key := range keys {
		f.Release(removed[i])
		records.Delete(key)
	}
	return removed
}

func (*nativeFormat) cost(r *Record) int64 {
	c := int64(recordOverhead + len(r.Key))
	if r.handle != nil {
		c += int64(len(r.handle.buf))
	}
	return c
}

// ----------------------------------------------------------------------------
// Helper functions
// ----------------------------------------------------------------------------

func touch(r *Record, now time.Time) {
	r.LastUpdateTime = now
	r.LastAccessTime = now
	r.Version++
}

// wipeAndRestore drops the whole container and puts the preserved records back.
func wipeAndRestore(records Records, preserve func(string) bool) []*Record {
	var removed []*Record
	kept := make(map[string]*Record)
	records.Range(func(key string, r *Record) bool {
		if preserve != nil && preserve(key) {
			kept[key] = r
		} else {
			removed = append(removed, r)
		}
		return true
	})
	records.Clear()
	for key, r := range kept {
		records.Store(key, r)
	}
	return removed
}
