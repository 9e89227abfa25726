package query

import (
	"bytes"
	"slices"

	"github.com/ValentinKolb/dMap/lib/index"
	"github.com/cockroachdb/errors"
)

// IterationType selects the projection of a query result.
type IterationType uint8

const (
	IterEntries IterationType = iota
	IterKeys
	IterValues
)

// Comparator orders entries. It only ties entries it considers equal; the
// paging predicate breaks ties by key bytes.
type Comparator func(a, b Entry) int

// SortBy orders by an attribute. Entries missing the attribute sort as null.
type SortBy struct {
	Attribute  string `json:"attribute"`
	Descending bool   `json:"descending,omitempty"`
}

func (s SortBy) compare(a, b Entry) int {
	va, ok := a.Attribute(s.Attribute)
	if !ok {
		va = index.Null()
	}
	vb, ok := b.Attribute(s.Attribute)
	if !ok {
		vb = index.Null()
	}
	c := index.Compare(va, vb)
	if s.Descending {
		return -c
	}
	return c
}

// Order is the total order of a paging query.
type Order struct {
	Comparator Comparator
	SortBy     *SortBy
}

// Compare orders by comparator, else attribute, else nothing, and breaks ties by key.
func (o Order) Compare(a, b Entry) int {
	c := 0
	switch {
	case o.Comparator != nil:
		c = o.Comparator(a, b)
	case o.SortBy != nil:
		c = o.SortBy.compare(a, b)
	}
	if c != 0 {
		return c
	}
	return bytes.Compare(a.Key, b.Key)
}

// Sort sorts entries in place.
func (o Order) Sort(entries []Entry) {
	slices.SortStableFunc(entries, o.Compare)
}

// Window is what a member has to return so the invoker can build one page:
// the first Limit entries in order after the anchor entry.
type Window struct {
	SortBy *SortBy `json:"sort_by,omitempty"`
	After  *Entry  `json:"after,omitempty"`
	Limit  int     `json:"limit"`
}

// Apply sorts entries and cuts the window. A member applies it to its partial
// result, which is sound because the window of the union is contained in the
// union of the windows.
func (w Window) Apply(entries []Entry) []Entry {
	o := Order{SortBy: w.SortBy}
	return window(o, entries, w.After, w.Limit)
}

func window(o Order, entries []Entry, after *Entry, limit int) []Entry {
	sorted := slices.Clone(entries)
	o.Sort(sorted)
	start := 0
	if after != nil {
		start, _ = slices.BinarySearchFunc(sorted, *after, o.Compare)
		for start < len(sorted) && o.Compare(sorted[start], *after) <= 0 {
			start++
		}
	}
	sorted = sorted[start:]
	if limit >= 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// ----------------------------------------------------------------------------
// Paging predicate
// ----------------------------------------------------------------------------

type anchor struct {
	page  int
	entry Entry
}

// PagingPredicate returns a query result one sorted page at a time.
//
// Thread-safety: not safe for concurrent use; it carries paging state.
type PagingPredicate struct {
	Inner    *Predicate
	Order    Order
	PageSize int

	page    int
	anchors []anchor // ascending by page, last entry of each produced page
}

// NewPagingPredicate creates a paging predicate. order may be the zero value
// for natural key order.
func NewPagingPredicate(inner *Predicate, order Order, pageSize int) (*PagingPredicate, error) {
	if pageSize <= 0 {
		return nil, errors.Newf("page size must be positive, got %d", pageSize)
	}
	if inner == nil {
		inner = True()
	}
	return &PagingPredicate{Inner: inner, Order: order, PageSize: pageSize}, nil
}

// Page returns the current page index.
func (pp *PagingPredicate) Page() int { return pp.page }

// NextPage moves to the following page.
func (pp *PagingPredicate) NextPage() { pp.page++ }

// PreviousPage moves back one page; page 0 stays page 0.
func (pp *PagingPredicate) PreviousPage() {
	if pp.page > 0 {
		pp.page--
	}
}

// SetPage jumps to page.
func (pp *PagingPredicate) SetPage(page int) {
	if page < 0 {
		page = 0
	}
	pp.page = page
}

// Reset returns to page 0 and forgets every anchor.
func (pp *PagingPredicate) Reset() {
	pp.page = 0
	pp.anchors = nil
}

// nearestAnchor returns the anchor of the closest page before the current one.
func (pp *PagingPredicate) nearestAnchor() (anchor, bool) {
	for i := len(pp.anchors) - 1; i >= 0; i-- {
		if pp.anchors[i].page < pp.page {
			return pp.anchors[i], true
		}
	}
	return anchor{}, false
}

// Window returns the per-member window of the current page. ok is false for
// in-process comparators; members then have to return every match.
func (pp *PagingPredicate) Window() (Window, bool) {
	if pp.Order.Comparator != nil {
		return Window{}, false
	}
	w := Window{SortBy: pp.Order.SortBy}
	skipPages := pp.page
	if a, ok := pp.nearestAnchor(); ok {
		e := a.entry
		w.After = &e
		skipPages = pp.page - a.page - 1
	}
	w.Limit = (skipPages + 1) * pp.PageSize
	return w, true
}

// Apply sorts the pooled matches, cuts out the current page and records its
// anchor. The same input always yields the same page.
func (pp *PagingPredicate) Apply(entries []Entry) []Entry {
	skipPages := pp.page
	var after *Entry
	if a, ok := pp.nearestAnchor(); ok {
		e := a.entry
		after = &e
		skipPages = pp.page - a.page - 1
	}
	rest := window(pp.Order, entries, after, (skipPages+1)*pp.PageSize)
	offset := skipPages * pp.PageSize
	if offset >= len(rest) {
		return nil
	}
	out := rest[offset:]
	pp.setAnchor(pp.page, out[len(out)-1])
	return out
}

func (pp *PagingPredicate) setAnchor(page int, e Entry) {
	i, found := slices.BinarySearchFunc(pp.anchors, page, func(a anchor, p int) int { return a.page - p })
	if found {
		pp.anchors[i].entry = e
		return
	}
	pp.anchors = slices.Insert(pp.anchors, i, anchor{page: page, entry: e})
}

// ----------------------------------------------------------------------------
// Projection
// ----------------------------------------------------------------------------

// Keys projects entries to their keys.
func Keys(entries []Entry) [][]byte {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

// Values projects entries to their values.
func Values(entries []Entry) [][]byte {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// Strip drops the parts of entries a projection does not need. Callers that
// still sort must not strip.
func Strip(entries []Entry, it IterationType) []Entry {
	switch it {
	case IterKeys:
		for i := range entries {
			entries[i].Value = nil
			entries[i].Object = nil
		}
	case IterValues:
		for i := range entries {
			entries[i].Key = nil
		}
	}
	return entries
}
