package query

import (
	"sort"

	"github.com/ValentinKolb/dMap/lib/index"
)

// IndexSet exposes the indexes usable for a query. *index.Indexes implements it.
type IndexSet interface {
	// Index returns the ready index of attribute or nil.
	Index(attribute string) index.Index
}

// Optimize returns an equivalent predicate shaped for the given indexes. The
// input is never modified. idx may be nil.
//
// Rules: nested And/Or are flattened, True is dropped from And and absorbs Or,
// Not(Not(p)) becomes p, Equal and In on an indexed attribute and Range on an
// ordered index become Indexed, and Indexed members of an And come first.
func Optimize(p *Predicate, idx IndexSet) *Predicate {
	if p == nil {
		return True()
	}
	switch p.Kind {
	case KindEqual, KindIn:
		if i := lookup(idx, p.Attribute); i != nil {
			return &Predicate{Kind: KindIndexed, Children: []*Predicate{p}}
		}
		return p
	case KindRange:
		if i := lookup(idx, p.Attribute); i != nil && i.Ordered() {
			return &Predicate{Kind: KindIndexed, Children: []*Predicate{p}}
		}
		return p
	case KindNot:
		if len(p.Children) == 1 && p.Children[0].Kind == KindNot && len(p.Children[0].Children) == 1 {
			return Optimize(p.Children[0].Children[0], idx)
		}
		if len(p.Children) == 1 {
			return &Predicate{Kind: KindNot, Children: []*Predicate{Optimize(p.Children[0], idx)}}
		}
		return p
	case KindAnd:
		var children []*Predicate
		for _, c := range flatten(p.Kind, p.Children, idx) {
			if c.Kind != KindTrue {
				children = append(children, c)
			}
		}
		sort.SliceStable(children, func(i, j int) bool {
			return children[i].Kind == KindIndexed && children[j].Kind != KindIndexed
		})
		switch len(children) {
		case 0:
			return True()
		case 1:
			return children[0]
		}
		return &Predicate{Kind: KindAnd, Children: children}
	case KindOr:
		children := flatten(p.Kind, p.Children, idx)
		for _, c := range children {
			if c.Kind == KindTrue {
				return True()
			}
		}
		if len(children) == 1 {
			return children[0]
		}
		return &Predicate{Kind: KindOr, Children: children}
	default:
		return p
	}
}

func lookup(idx IndexSet, attribute string) index.Index {
	if idx == nil {
		return nil
	}
	return idx.Index(attribute)
}

// flatten optimizes the children and inlines children of the same kind.
func flatten(kind Kind, children []*Predicate, idx IndexSet) []*Predicate {
	var out []*Predicate
	for _, c := range children {
		o := Optimize(c, idx)
		if o.Kind == kind {
			out = append(out, o.Children...)
		} else {
			out = append(out, o)
		}
	}
	return out
}

// Candidates returns the keys that may match an optimized predicate according
// to the indexes. ok is false if the predicate needs a full scan. The result is
// a superset of the live matches; callers re-check every candidate.
func Candidates(p *Predicate, idx IndexSet) (keys []string, ok bool) {
	switch p.Kind {
	case KindIndexed:
		src := p.Source()
		i := lookup(idx, src.Attribute)
		if i == nil {
			return nil, false
		}
		switch src.Kind {
		case KindEqual:
			return i.Equal(src.Value), true
		case KindIn:
			set := make(map[string]struct{})
			for _, v := range src.Values {
				for _, k := range i.Equal(v) {
					set[k] = struct{}{}
				}
			}
			return sortedKeys(set), true
		case KindRange:
			return i.Range(src.From, src.To), true
		}
		return nil, false
	case KindAnd:
		var acc map[string]struct{}
		for _, c := range p.Children {
			ks, cok := Candidates(c, idx)
			if !cok {
				continue
			}
			next := make(map[string]struct{}, len(ks))
			for _, k := range ks {
				if _, in := acc[k]; acc == nil || in {
					next[k] = struct{}{}
				}
			}
			acc = next
		}
		if acc == nil {
			return nil, false
		}
		return sortedKeys(acc), true
	case KindOr:
		set := make(map[string]struct{})
		for _, c := range p.Children {
			ks, cok := Candidates(c, idx)
			if !cok {
				return nil, false
			}
			for _, k := range ks {
				set[k] = struct{}{}
			}
		}
		return sortedKeys(set), true
	default:
		return nil, false
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
