package index

import (
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	value := []byte(`{"name":"ada","age":36,"vip":true,"address":{"city":"london"},"tags":["x"],"none":null}`)
	tests := []struct {
		attr string
		want Value
		ok   bool
	}{
		{"name", String("ada"), true},
		{"age", Number(36), true},
		{"vip", Bool(true), true},
		{"address.city", String("london"), true},
		{"none", Null(), true},
		{"tags", Value{}, false},
		{"missing", Value{}, false},
		{"name.first", Value{}, false},
		{KeyAttribute, Number(42), true},
	}
	for _, tt := range tests {
		got, ok := Extract([]byte("42"), value, nil, tt.attr)
		assert.Equal(t, tt.ok, ok, tt.attr)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.attr)
		}
	}

	_, ok := Extract([]byte("k"), []byte("not json"), nil, "name")
	assert.False(t, ok)
	v, _ := Extract([]byte("plain-key"), nil, nil, KeyAttribute)
	assert.Equal(t, String("plain-key"), v)
}

func TestCompareOrdersKindsFirst(t *testing.T) {
	ordered := []Value{Null(), Bool(false), Bool(true), Number(-1), Number(2.5), String(""), String("a")}
	for i := range ordered {
		for j := range ordered {
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			assert.Equal(t, want, Compare(ordered[i], ordered[j]), "%v vs %v", ordered[i], ordered[j])
		}
	}
}

func testIndexes(t *testing.T, newIndex func(string) Index) {
	idx := newIndex("age")
	for i := 0; i < 10; i++ {
		idx.Add(fmt.Sprintf("k%d", i), Number(float64(i%5)))
	}
	idx.Add("k0", Number(0)) // duplicate is a no-op
	require.Equal(t, 10, idx.Len())

	assert.ElementsMatch(t, []string{"k2", "k7"}, idx.Equal(Number(2)))
	assert.Empty(t, idx.Equal(Number(99)))

	got := idx.Range(&Bound{Value: Number(1), Inclusive: true}, &Bound{Value: Number(3)})
	assert.ElementsMatch(t, []string{"k1", "k6", "k2", "k7"}, got)

	got = idx.Range(&Bound{Value: Number(3)}, nil)
	assert.ElementsMatch(t, []string{"k4", "k9"}, got)

	got = idx.Range(nil, &Bound{Value: Number(0), Inclusive: true})
	assert.ElementsMatch(t, []string{"k0", "k5"}, got)

	idx.Remove("k2", Number(2))
	idx.Remove("k2", Number(2))
	idx.Remove("unknown", Number(1))
	assert.Equal(t, []string{"k7"}, idx.Equal(Number(2)))
	assert.Equal(t, 9, idx.Len())

	idx.Clear()
	assert.Equal(t, 0, idx.Len())
}

func TestOrderedIndex(t *testing.T)   { testIndexes(t, NewOrdered) }
func TestUnorderedIndex(t *testing.T) { testIndexes(t, NewUnordered) }

func TestIndexesFollowRecords(t *testing.T) {
	set := NewIndexes([]config.IndexConfig{{Attribute: "city"}, {Attribute: "age", Ordered: true}})
	format, _ := record.NewFormat(config.FormatObject, nil)
	now := time.Now()

	r := format.Create([]byte("a"), []byte(`{"city":"paris","age":30}`), record.NoTTL, now)
	set.SaveEntry("a", nil, r)
	require.Equal(t, []string{"a"}, set.Index("city").Equal(String("paris")))

	old := SnapshotOf(r)
	format.Update(r, []byte(`{"city":"rome"}`), now)
	set.SaveEntry("a", old, r)
	assert.Empty(t, set.Index("city").Equal(String("paris")))
	assert.Equal(t, []string{"a"}, set.Index("city").Equal(String("rome")))
	assert.Equal(t, 0, set.Index("age").Len(), "attribute vanished from the value")

	set.RemoveEntry("a", r)
	assert.Equal(t, 0, set.Index("city").Len())
}

func TestRuntimeIndexIsHiddenUntilReady(t *testing.T) {
	set := NewIndexes(nil)
	assert.True(t, set.Empty())

	idx, created := set.AddIndex("name", true)
	require.True(t, created)
	assert.Nil(t, set.Index("name"))
	assert.False(t, set.Empty())

	again, created := set.AddIndex("name", false)
	assert.False(t, created)
	assert.Same(t, idx, again)

	set.MarkReady("name")
	assert.NotNil(t, set.Index("name"))
	assert.Equal(t, []string{"name"}, set.Attributes())
}
