package query

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/index"
	"github.com/ValentinKolb/dMap/lib/record"
	"github.com/ValentinKolb/dMap/lib/util"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Fixtures
// --------------------------------------------------------------------------

type memView map[string]Entry

func (v memView) Get(key []byte) (Entry, bool) {
	e, ok := v[string(key)]
	return e, ok
}

func (v memView) Range(fn func(Entry) bool) {
	for _, e := range v {
		if !fn(e) {
			return
		}
	}
}

type memSource struct {
	count   int
	data    map[int]memView
	fail    map[int]bool
	indexes *index.Indexes
}

func newMemSource(count int) *memSource {
	s := &memSource{
		count: count,
		data:  make(map[int]memView),
		fail:  make(map[int]bool),
		indexes: index.NewIndexes([]config.IndexConfig{
			{Attribute: "city"},
			{Attribute: "age", Ordered: true},
		}),
	}
	for p := 0; p < count; p++ {
		s.data[p] = make(memView)
	}
	return s
}

func (s *memSource) Partitions() []int {
	out := make([]int, s.count)
	for i := range out {
		out[i] = i
	}
	return out
}

func (s *memSource) PartitionFor(key []byte) int { return util.PartitionFor(key, s.count) }

func (s *memSource) WithPartition(ctx context.Context, pid int, fn func(PartitionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fail[pid] {
		return errors.Newf("partition %d is migrating", pid)
	}
	return fn(s.data[pid])
}

func (s *memSource) put(key, value string) {
	pid := s.PartitionFor([]byte(key))
	var old *index.Snapshot
	if prev, ok := s.data[pid][key]; ok {
		old = &index.Snapshot{Key: prev.Key, Value: prev.Value}
	}
	s.data[pid][key] = Entry{Key: []byte(key), Value: []byte(value)}
	s.indexes.SaveEntry(key, old, &record.Record{Key: []byte(key), Value: []byte(value)})
}

func (s *memSource) remove(key string) {
	pid := s.PartitionFor([]byte(key))
	prev, ok := s.data[pid][key]
	if !ok {
		return
	}
	delete(s.data[pid], key)
	s.indexes.RemoveEntry(key, &record.Record{Key: prev.Key, Value: prev.Value})
}

var cities = []string{"oslo", "rome", "lima", "kyiv"}

func person(i int) string {
	return fmt.Sprintf(`{"name":"n%03d","age":%d,"city":"%s"}`, i, i%50, cities[i%len(cities)])
}

func keySet(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Key))
	}
	sort.Strings(out)
	return out
}

func run(t *testing.T, s *memSource, p *Predicate, idx IndexSet) []Entry {
	t.Helper()
	partial, err := NewEngine(s, 4).Query(context.Background(), p, idx)
	require.NoError(t, err)
	entries, err := Merge(s.count, []Partial{partial})
	require.NoError(t, err)
	return entries
}

// --------------------------------------------------------------------------
// Predicates
// --------------------------------------------------------------------------

func TestMatch(t *testing.T) {
	e := Entry{Key: []byte(`"k1"`), Value: []byte(`{"name":"ada","age":36,"address":{"city":"london"}}`)}
	tests := []struct {
		p    *Predicate
		want bool
	}{
		{True(), true},
		{Equal("name", "ada"), true},
		{Equal("age", 36), true},
		{Equal("age", "36"), false},
		{Equal("missing", "x"), false},
		{NotEqual("missing", "x"), true},
		{NotEqual("name", "ada"), false},
		{In("address.city", "paris", "london"), true},
		{In("address.city", "paris"), false},
		{Between("age", 30, 40), true},
		{GreaterThan("age", 36), false},
		{GreaterEqual("age", 36), true},
		{LessThan("age", 37), true},
		{LessEqual("age", 35), false},
		{Like("name", "a%"), true},
		{Like("name", "_d_"), true},
		{Like("name", "b%"), false},
		{Like("age", "%"), false},
		{And(Equal("name", "ada"), Between("age", 0, 100)), true},
		{And(Equal("name", "ada"), Equal("age", 1)), false},
		{Or(Equal("name", "bob"), Equal("age", 36)), true},
		{Not(Equal("name", "bob")), true},
		{Equal(index.KeyAttribute, "k1"), true},
		{Custom("even-age", func(e Entry) bool {
			v, ok := e.Attribute("age")
			return ok && int(v.Num)%2 == 0
		}), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.p.Match(e), tt.p.String())
	}
}

func TestLikeMatch(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"", "", true},
		{"%", "", true},
		{"%", "anything", true},
		{"a%c", "abbbc", true},
		{"a%c", "abbbd", false},
		{"%b%", "abc", true},
		{"a_c", "abc", true},
		{"a_c", "ac", false},
		{"%%a", "xxa", true},
		{"ab", "abc", false},
		{"_ä_", "xäy", true},
	}
	for _, tt := range tests {
		if got := likeMatch(tt.pattern, tt.s); got != tt.want {
			t.Errorf("likeMatch(%q, %q) = %v, want %v", tt.pattern, tt.s, got, tt.want)
		}
	}
}

// --------------------------------------------------------------------------
// Optimize
// --------------------------------------------------------------------------

func TestOptimizeShapes(t *testing.T) {
	s := newMemSource(1)
	idx := s.indexes

	in := And(Like("name", "n%"), And(Between("age", 1, 5), True()), Equal("city", "oslo"))
	before := in.String()
	out := Optimize(in, idx)
	assert.Equal(t, before, in.String(), "input must not change")

	require.Equal(t, KindAnd, out.Kind)
	require.Len(t, out.Children, 3)
	assert.Equal(t, KindIndexed, out.Children[0].Kind)
	assert.Equal(t, KindRange, out.Children[0].Source().Kind)
	assert.Equal(t, KindIndexed, out.Children[1].Kind)
	assert.Equal(t, KindEqual, out.Children[1].Source().Kind)
	assert.Equal(t, KindLike, out.Children[2].Kind)

	assert.Equal(t, KindEqual, Optimize(Not(Not(Equal("x", 1))), nil).Kind)
	assert.Equal(t, KindTrue, Optimize(Or(Equal("x", 1), True()), idx).Kind)
	assert.Equal(t, KindTrue, Optimize(And(True(), True()), idx).Kind)
	assert.Equal(t, KindIndexed, Optimize(And(Equal("city", "oslo")), idx).Kind)

	// city has an unordered index which does not serve ranges
	assert.Equal(t, KindRange, Optimize(GreaterThan("city", "a"), idx).Kind)
	// without an index nothing is rewritten
	assert.Equal(t, KindEqual, Optimize(Equal("city", "oslo"), nil).Kind)

	flat := Optimize(Or(Or(Equal("a", 1), Equal("b", 2)), Equal("c", 3)), nil)
	assert.Len(t, flat.Children, 3)
}

func TestCandidates(t *testing.T) {
	s := newMemSource(1)
	for i := 0; i < 20; i++ {
		s.put(fmt.Sprintf("k%02d", i), person(i))
	}
	idx := s.indexes

	keys, ok := Candidates(Optimize(Equal("city", "oslo"), idx), idx)
	require.True(t, ok)
	assert.Equal(t, []string{"k00", "k04", "k08", "k12", "k16"}, keys)

	keys, ok = Candidates(Optimize(And(Equal("city", "oslo"), LessThan("age", 10)), idx), idx)
	require.True(t, ok)
	assert.Equal(t, []string{"k00", "k04", "k08"}, keys)

	_, ok = Candidates(Optimize(Or(Equal("city", "oslo"), Like("name", "x%")), idx), idx)
	assert.False(t, ok)

	_, ok = Candidates(Optimize(Like("name", "x%"), idx), idx)
	assert.False(t, ok)
}

func TestOptimizeNeverChangesResult(t *testing.T) {
	s := newMemSource(8)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 600; i++ {
		k := fmt.Sprintf("k%03d", rng.Intn(200))
		if rng.Intn(4) == 0 {
			s.remove(k)
		} else {
			s.put(k, person(rng.Intn(1000)))
		}
	}

	preds := []*Predicate{
		Equal("city", "oslo"),
		In("city", "rome", "lima"),
		Between("age", 10, 20),
		GreaterThan("age", 45),
		And(Equal("city", "kyiv"), LessEqual("age", 25)),
		Or(Equal("city", "oslo"), GreaterEqual("age", 40)),
		Or(Equal("city", "oslo"), Like("name", "n1%")),
		Not(Equal("city", "oslo")),
		And(Not(Not(Between("age", 5, 30))), NotEqual("city", "rome")),
		And(Equal("city", "nowhere"), Between("age", 0, 100)),
	}
	for _, p := range preds {
		indexed := keySet(run(t, s, p, s.indexes))
		scanned := keySet(run(t, s, p, nil))
		assert.Equal(t, scanned, indexed, p.String())
	}
}

// --------------------------------------------------------------------------
// Engine and merge
// --------------------------------------------------------------------------

func TestEngineReportsFailedPartitions(t *testing.T) {
	s := newMemSource(4)
	for i := 0; i < 40; i++ {
		s.put(fmt.Sprintf("k%02d", i), person(i))
	}
	s.fail[2] = true

	partial, err := NewEngine(s, 0).Query(context.Background(), True(), s.indexes)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3}, partial.Partitions)
	assert.Contains(t, partial.Failed[2], "migrating")

	entries, err := Merge(4, []Partial{partial})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteResult)
	var perr *PartitionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, []int{2}, perr.Partitions)
	assert.Len(t, entries, 40-len(s.data[2]))
	for _, e := range entries {
		assert.NotEqual(t, 2, e.Partition)
	}
}

func TestMerge(t *testing.T) {
	a := Partial{Partitions: []int{0, 1}, Entries: []Entry{{Key: []byte("a"), Partition: 0}, {Key: []byte("b"), Partition: 1}}}
	// partition 1 reported again by a member that received it through migration
	b := Partial{Partitions: []int{1, 2}, Entries: []Entry{{Key: []byte("b"), Partition: 1}, {Key: []byte("c"), Partition: 2}}}

	entries, err := Merge(3, []Partial{a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keySet(entries))

	_, err = Merge(4, []Partial{a, b})
	var perr *PartitionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, []int{3}, perr.Partitions)
	assert.Contains(t, err.Error(), "no member reported")
}

func TestEngineHonorsContext(t *testing.T) {
	s := newMemSource(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(s, 0).Query(ctx, True(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// --------------------------------------------------------------------------
// Paging
// --------------------------------------------------------------------------

func peopleEntries(n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{Key: []byte(fmt.Sprintf("k%02d", i)), Value: []byte(person(i))}
	}
	return out
}

func TestPagingDeterministicAndConcatenates(t *testing.T) {
	all := peopleEntries(23)
	order := Order{SortBy: &SortBy{Attribute: "city", Descending: true}}
	full := append([]Entry(nil), all...)
	order.Sort(full)

	pp, err := NewPagingPredicate(nil, order, 5)
	require.NoError(t, err)

	var concat []Entry
	for page := 0; page < 5; page++ {
		first := pp.Apply(all)
		again := pp.Apply(all)
		assert.Equal(t, first, again, "page %d", page)
		concat = append(concat, first...)
		pp.NextPage()
	}
	assert.Equal(t, full, concat)
	assert.Empty(t, pp.Apply(all))

	// jumping without anchors gives the same pages
	fresh, _ := NewPagingPredicate(nil, order, 5)
	fresh.SetPage(3)
	assert.Equal(t, full[15:20], fresh.Apply(all))
	fresh.PreviousPage()
	assert.Equal(t, full[10:15], fresh.Apply(all))
	fresh.Reset()
	assert.Equal(t, 0, fresh.Page())
	assert.Equal(t, full[:5], fresh.Apply(all))
}

func TestPagingTieBreakByKey(t *testing.T) {
	entries := []Entry{
		{Key: []byte("c"), Value: []byte(`{"v":1}`)},
		{Key: []byte("a"), Value: []byte(`{"v":1}`)},
		{Key: []byte("b"), Value: []byte(`{"v":1}`)},
		{Key: []byte("d"), Value: []byte(`{"v":0}`)},
	}
	pp, _ := NewPagingPredicate(True(), Order{SortBy: &SortBy{Attribute: "v"}}, 10)
	assert.Equal(t, []string{"d", "a", "b", "c"}, toStrings(Keys(pp.Apply(entries))))

	// a comparator that ties everything falls back to key order
	pp, _ = NewPagingPredicate(True(), Order{Comparator: func(a, b Entry) int { return 0 }}, 10)
	assert.Equal(t, []string{"a", "b", "c", "d"}, toStrings(Keys(pp.Apply(entries))))
	_, ok := pp.Window()
	assert.False(t, ok)
}

func TestPagingSortsBeforeProjection(t *testing.T) {
	entries := []Entry{
		{Key: []byte("x"), Value: []byte(`{"age":30}`)},
		{Key: []byte("y"), Value: []byte(`{"age":10}`)},
		{Key: []byte("z"), Value: []byte(`{"age":20}`)},
	}
	pp, _ := NewPagingPredicate(nil, Order{SortBy: &SortBy{Attribute: "age"}}, 2)
	assert.Equal(t, []string{"y", "z"}, toStrings(Keys(pp.Apply(entries))))
	pp.NextPage()
	assert.Equal(t, []string{"x"}, toStrings(Keys(pp.Apply(entries))))
}

func TestPagingAnchorSurvivesInserts(t *testing.T) {
	all := peopleEntries(10)
	pp, _ := NewPagingPredicate(nil, Order{}, 4)
	page0 := pp.Apply(all)
	assert.Equal(t, []string{"k00", "k01", "k02", "k03"}, toStrings(Keys(page0)))

	// an entry sorting before the anchor does not shift the next page
	all = append(all, Entry{Key: []byte("k00a"), Value: []byte(`{}`)})
	pp.NextPage()
	assert.Equal(t, []string{"k04", "k05", "k06", "k07"}, toStrings(Keys(pp.Apply(all))))
}

func TestWindowPerMember(t *testing.T) {
	all := peopleEntries(30)
	order := Order{SortBy: &SortBy{Attribute: "age", Descending: true}}
	direct, _ := NewPagingPredicate(nil, order, 4)
	viaWindow, _ := NewPagingPredicate(nil, order, 4)

	// three members each hold a third of the data
	members := [][]Entry{all[:10], all[10:20], all[20:]}
	for page := 0; page < 8; page++ {
		w, ok := viaWindow.Window()
		require.True(t, ok)
		var pooled []Entry
		for _, m := range members {
			pooled = append(pooled, w.Apply(m)...)
		}
		assert.Equal(t, direct.Apply(all), viaWindow.Apply(pooled), "page %d", page)
		direct.NextPage()
		viaWindow.NextPage()
	}
}

func TestNewPagingPredicateRejectsBadSize(t *testing.T) {
	_, err := NewPagingPredicate(nil, Order{}, 0)
	assert.Error(t, err)
}

func toStrings(bs [][]byte) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return out
}

// --------------------------------------------------------------------------
// Codec
// --------------------------------------------------------------------------

func TestCodec(t *testing.T) {
	p := And(
		Equal("city", "oslo"),
		Or(Between("age", 18, 30), Not(In("name", "a", "b"))),
		Like("name", "n%"),
		LessThan("score", 2.5),
		NotEqual("vip", true),
	)
	data, err := Encode(p)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, p.String(), got.String())

	e := Entry{Key: []byte("k"), Value: []byte(`{"city":"oslo","age":20,"name":"nina","score":1}`)}
	assert.True(t, got.Match(e))
	assert.Equal(t, p.Match(e), got.Match(e))

	_, err = Encode(And(True(), Custom("fn", func(Entry) bool { return true })))
	assert.ErrorIs(t, err, ErrUnsupportedPredicate)
	assert.False(t, Portable(Custom("fn", func(Entry) bool { return true })))
	assert.NoError(t, Validate(Custom("fn", func(Entry) bool { return true })))

	_, err = Decode([]byte(`{"kind":3}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"kind":9,"children":[]}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	empty, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, KindTrue, empty.Kind)
}
