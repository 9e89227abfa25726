package record

import (
	"bytes"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
)

// mapRecords is a trivial Records container for format tests.
type mapRecords map[string]*Record

func (m mapRecords) Range(f func(string, *Record) bool) {
	for k, r := range m {
		if !f(k, r) {
			return
		}
	}
}
func (m mapRecords) Delete(key string)           { delete(m, key) }
func (m mapRecords) Store(key string, r *Record) { m[key] = r }
func (m mapRecords) Clear() {
	for k := range m {
		delete(m, k)
	}
}

func allFormats(t *testing.T) map[config.InMemoryFormat]Format {
	t.Helper()
	out := make(map[config.InMemoryFormat]Format)
	for _, name := range []config.InMemoryFormat{config.FormatBinary, config.FormatObject, config.FormatNative} {
		f, err := NewFormat(name, NewArena())
		if err != nil {
			t.Fatalf("NewFormat(%s): %v", name, err)
		}
		out[name] = f
	}
	return out
}

func TestValidate(t *testing.T) {
	if ValidateKey(nil) != ErrInvalidKey || ValidateKey([]byte{}) != ErrInvalidKey {
		t.Error("empty keys must be rejected")
	}
	if ValidateKey([]byte("k")) != nil {
		t.Error("non-empty key rejected")
	}
	if ValidateValue(nil) != ErrInvalidValue {
		t.Error("nil value must be rejected")
	}
	if ValidateValue([]byte{}) != nil {
		t.Error("empty value is valid")
	}
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name    string
		ttl     time.Duration
		at      time.Duration
		expired bool
	}{
		{"no ttl", NoTTL, time.Hour, false},
		{"zero ttl expires at once", 0, 0, true},
		{"before deadline", time.Second, 999 * time.Millisecond, false},
		{"at deadline", time.Second, time.Second, true},
		{"after deadline", time.Second, 2 * time.Second, true},
	}
	for _, tt := range tests {
		r := &Record{TTL: tt.ttl, LastUpdateTime: now}
		if got := r.IsExpired(now.Add(tt.at)); got != tt.expired {
			t.Errorf("%s: IsExpired = %v, want %v", tt.name, got, tt.expired)
		}
	}
}

func TestFormatsCreateUpdate(t *testing.T) {
	now := time.Unix(1000, 0)
	for name, f := range allFormats(t) {
		t.Run(string(name), func(t *testing.T) {
			value := []byte(`{"a":1}`)
			r := f.Create([]byte("k"), value, NoTTL, now)
			value[0] = 'X' // caller buffer must not alias the record
			if !bytes.Equal(r.Value, []byte(`{"a":1}`)) {
				t.Fatalf("record aliases caller buffer: %s", r.Value)
			}
			if r.Version != 1 || r.Cost() <= 0 {
				t.Errorf("unexpected version/cost %d/%d", r.Version, r.Cost())
			}
			if !f.Equal(r, []byte(`{"a":1}`)) || f.Equal(r, []byte(`{"a":2}`)) {
				t.Error("Equal must compare serialized bytes")
			}

			before := r.Cost()
			delta := f.Update(r, []byte(`{"a":1,"b":"a much longer value"}`), now.Add(time.Second))
			if r.Cost()-before != delta {
				t.Errorf("delta %d does not match cost change %d", delta, r.Cost()-before)
			}
			if r.Version != 2 || !r.LastUpdateTime.Equal(now.Add(time.Second)) {
				t.Errorf("update metadata not touched: v=%d t=%v", r.Version, r.LastUpdateTime)
			}
			if name == config.FormatObject && r.Object == nil {
				t.Error("object format must keep a decoded view")
			}
		})
	}
}

func TestFormatsClearPreserves(t *testing.T) {
	now := time.Unix(1000, 0)
	for name, f := range allFormats(t) {
		t.Run(string(name), func(t *testing.T) {
			recs := mapRecords{}
			for _, k := range []string{"a", "b", "c", "d"} {
				recs.Store(k, f.Create([]byte(k), []byte("v-"+k), NoTTL, now))
			}
			removed := f.Clear(recs, func(k string) bool { return k == "b" })

			if len(removed) != 3 {
				t.Errorf("expected 3 removed records, got %d", len(removed))
			}
			if len(recs) != 1 || recs["b"] == nil {
				t.Fatalf("only b should remain, have %v", len(recs))
			}
			if !bytes.Equal(recs["b"].Value, []byte("v-b")) {
				t.Errorf("preserved record damaged: %s", recs["b"].Value)
			}
		})
	}
}

func TestNativeClearInvalidates(t *testing.T) {
	arena := NewArena()
	f, _ := NewFormat(config.FormatNative, arena)
	recs := mapRecords{}
	for _, k := range []string{"a", "b", "c"} {
		recs.Store(k, f.Create([]byte(k), bytes.Repeat([]byte("x"), 100), NoTTL, time.Now()))
	}
	kept := recs["a"]
	removed := f.Clear(recs, func(k string) bool { return k == "a" })

	for _, r := range removed {
		if r.Value != nil {
			t.Errorf("removed native record %s still has a value", r.Key)
		}
	}
	if got := arena.InUse(); got != 128 {
		t.Errorf("arena should only hold the preserved slot (128 bytes), holds %d", got)
	}
	f.Release(kept)
	if arena.InUse() != 0 {
		t.Errorf("arena leaked %d bytes", arena.InUse())
	}
}

func TestArenaReuse(t *testing.T) {
	a := NewArena()
	h1 := a.Alloc([]byte("hello"))
	if string(h1.Bytes()) != "hello" || a.InUse() != 16 {
		t.Fatalf("unexpected alloc: %q inUse=%d", h1.Bytes(), a.InUse())
	}
	reserved := a.Reserved()
	a.Free(h1)
	a.Free(h1)
	if a.InUse() != 0 || h1.Bytes() != nil {
		t.Errorf("free did not release: inUse=%d", a.InUse())
	}
	h2 := a.Alloc([]byte("world"))
	if a.Reserved() != reserved {
		t.Error("freed slot should be reused without reserving more memory")
	}
	big := a.Alloc(make([]byte, 1<<17))
	if a.InUse() != 16+1<<17 {
		t.Errorf("unexpected inUse %d", a.InUse())
	}
	a.Free(big)
	a.Free(h2)
	if a.InUse() != 0 {
		t.Errorf("arena leaked %d bytes", a.InUse())
	}
}

func TestEstimator(t *testing.T) {
	var e SizeEstimator
	e.Add(100)
	e.Add(-30)
	if e.Size() != 70 {
		t.Errorf("expected 70, got %d", e.Size())
	}
	e.Reset()
	if e.Size() != 0 {
		t.Errorf("expected 0 after reset, got %d", e.Size())
	}
}

func TestView(t *testing.T) {
	now := time.Unix(1000, 0)
	f, _ := NewFormat(config.FormatBinary, nil)
	r := f.Create([]byte("k"), []byte("v"), time.Minute, now)
	r.OnAccess(now.Add(time.Second))
	v := r.View()
	if v.Hits != 1 || !v.ExpirationTime.Equal(now.Add(time.Minute)) {
		t.Errorf("unexpected view %+v", v)
	}
	v.Value[0] = 'X'
	if string(r.Value) != "v" {
		t.Error("view must not alias the record")
	}
}
