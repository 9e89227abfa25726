package query

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dMap/lib/index"
)

// Kind tags a predicate variant.
type Kind uint8

const (
	KindTrue Kind = iota + 1
	KindEqual
	KindNotEqual
	KindIn
	KindRange
	KindLike
	KindAnd
	KindOr
	KindNot
	KindCustom
	// KindIndexed wraps a leaf answered from an index, produced by Optimize.
	KindIndexed
)

var kindNames = map[Kind]string{
	KindTrue:     "true",
	KindEqual:    "equal",
	KindNotEqual: "not-equal",
	KindIn:       "in",
	KindRange:    "range",
	KindLike:     "like",
	KindAnd:      "and",
	KindOr:       "or",
	KindNot:      "not",
	KindCustom:   "custom",
	KindIndexed:  "indexed",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Entry is one key/value pair seen by a predicate.
type Entry struct {
	Key       []byte `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Partition int    `json:"partition"`
	// Object is the decoded value if the store keeps one (OBJECT format).
	Object any `json:"-"`
}

// Attribute extracts an attribute of the entry.
func (e Entry) Attribute(attribute string) (index.Value, bool) {
	return index.Extract(e.Key, e.Value, e.Object, attribute)
}

// Predicate is an immutable predicate tree. Build it with the constructors.
type Predicate struct {
	Kind      Kind          `json:"kind"`
	Attribute string        `json:"attr,omitempty"`
	Value     index.Value   `json:"value"`
	Values    []index.Value `json:"values,omitempty"`
	From      *index.Bound  `json:"from,omitempty"`
	To        *index.Bound  `json:"to,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
	Children  []*Predicate  `json:"children,omitempty"`

	// Name and Fn describe custom predicates, which never leave the process.
	Name string             `json:"name,omitempty"`
	Fn   func(e Entry) bool `json:"-"`
}

func valueOf(v any) index.Value {
	if iv, ok := v.(index.Value); ok {
		return iv
	}
	if iv, ok := index.FromAny(v); ok {
		return iv
	}
	return index.String(fmt.Sprint(v))
}

// True matches everything.
func True() *Predicate { return &Predicate{Kind: KindTrue} }

// Equal matches entries whose attribute equals v.
func Equal(attribute string, v any) *Predicate {
	return &Predicate{Kind: KindEqual, Attribute: attribute, Value: valueOf(v)}
}

// NotEqual matches entries whose attribute is missing or differs from v.
func NotEqual(attribute string, v any) *Predicate {
	return &Predicate{Kind: KindNotEqual, Attribute: attribute, Value: valueOf(v)}
}

// In matches entries whose attribute equals one of vs.
func In(attribute string, vs ...any) *Predicate {
	p := &Predicate{Kind: KindIn, Attribute: attribute}
	for _, v := range vs {
		p.Values = append(p.Values, valueOf(v))
	}
	return p
}

// Range matches entries whose attribute lies between the bounds; nil is open.
func Range(attribute string, from, to *index.Bound) *Predicate {
	return &Predicate{Kind: KindRange, Attribute: attribute, From: from, To: to}
}

// Between is an inclusive range.
func Between(attribute string, from, to any) *Predicate {
	return Range(attribute, &index.Bound{Value: valueOf(from), Inclusive: true}, &index.Bound{Value: valueOf(to), Inclusive: true})
}

func GreaterThan(attribute string, v any) *Predicate {
	return Range(attribute, &index.Bound{Value: valueOf(v)}, nil)
}

func GreaterEqual(attribute string, v any) *Predicate {
	return Range(attribute, &index.Bound{Value: valueOf(v), Inclusive: true}, nil)
}

func LessThan(attribute string, v any) *Predicate {
	return Range(attribute, nil, &index.Bound{Value: valueOf(v)})
}

func LessEqual(attribute string, v any) *Predicate {
	return Range(attribute, nil, &index.Bound{Value: valueOf(v), Inclusive: true})
}

// Like matches string attributes against a pattern where % matches any run of
// characters and _ exactly one.
func Like(attribute, pattern string) *Predicate {
	return &Predicate{Kind: KindLike, Attribute: attribute, Pattern: pattern}
}

func And(ps ...*Predicate) *Predicate { return &Predicate{Kind: KindAnd, Children: ps} }

func Or(ps ...*Predicate) *Predicate { return &Predicate{Kind: KindOr, Children: ps} }

func Not(p *Predicate) *Predicate { return &Predicate{Kind: KindNot, Children: []*Predicate{p}} }

// Custom wraps an arbitrary function. It can only be evaluated in process.
func Custom(name string, fn func(e Entry) bool) *Predicate {
	return &Predicate{Kind: KindCustom, Name: name, Fn: fn}
}

// Source returns the leaf an Indexed predicate was built from.
func (p *Predicate) Source() *Predicate {
	if p.Kind == KindIndexed && len(p.Children) == 1 {
		return p.Children[0]
	}
	return p
}

// Match evaluates the predicate against one entry.
func (p *Predicate) Match(e Entry) bool {
	switch p.Kind {
	case KindTrue:
		return true
	case KindEqual:
		v, ok := e.Attribute(p.Attribute)
		return ok && index.Compare(v, p.Value) == 0
	case KindNotEqual:
		v, ok := e.Attribute(p.Attribute)
		return !ok || index.Compare(v, p.Value) != 0
	case KindIn:
		v, ok := e.Attribute(p.Attribute)
		if !ok {
			return false
		}
		for _, want := range p.Values {
			if index.Compare(v, want) == 0 {
				return true
			}
		}
		return false
	case KindRange:
		v, ok := e.Attribute(p.Attribute)
		return ok && index.InRange(v, p.From, p.To)
	case KindLike:
		v, ok := e.Attribute(p.Attribute)
		return ok && v.Kind == index.KindString && likeMatch(p.Pattern, v.Str)
	case KindAnd:
		for _, c := range p.Children {
			if !c.Match(e) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range p.Children {
			if c.Match(e) {
				return true
			}
		}
		return false
	case KindNot:
		return len(p.Children) == 1 && !p.Children[0].Match(e)
	case KindCustom:
		return p.Fn != nil && p.Fn(e)
	case KindIndexed:
		return p.Source().Match(e)
	default:
		return false
	}
}

func (p *Predicate) String() string {
	switch p.Kind {
	case KindTrue:
		return "true"
	case KindEqual:
		return fmt.Sprintf("%s = %s", p.Attribute, p.Value)
	case KindNotEqual:
		return fmt.Sprintf("%s != %s", p.Attribute, p.Value)
	case KindIn:
		parts := make([]string, len(p.Values))
		for i, v := range p.Values {
			parts[i] = v.String()
		}
		return fmt.Sprintf("%s IN (%s)", p.Attribute, strings.Join(parts, ", "))
	case KindRange:
		lo, hi := "(-inf", "+inf)"
		if p.From != nil {
			lo = "(" + p.From.Value.String()
			if p.From.Inclusive {
				lo = "[" + p.From.Value.String()
			}
		}
		if p.To != nil {
			hi = p.To.Value.String() + ")"
			if p.To.Inclusive {
				hi = p.To.Value.String() + "]"
			}
		}
		return fmt.Sprintf("%s IN %s, %s", p.Attribute, lo, hi)
	case KindLike:
		return fmt.Sprintf("%s LIKE %q", p.Attribute, p.Pattern)
	case KindAnd, KindOr:
		sep := " AND "
		if p.Kind == KindOr {
			sep = " OR "
		}
		parts := make([]string, len(p.Children))
		for i, c := range p.Children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, sep) + ")"
	case KindNot:
		if len(p.Children) == 1 {
			return "NOT " + p.Children[0].String()
		}
		return "NOT ?"
	case KindCustom:
		return "custom(" + p.Name + ")"
	case KindIndexed:
		return "indexed(" + p.Source().String() + ")"
	default:
		return p.Kind.String()
	}
}

// likeMatch matches s against a pattern with % and _ wildcards.
func likeMatch(pattern, s string) bool {
	p, r := []rune(pattern), []rune(s)
	// star remembers the last % and the input position it was tried at
	pi, ri, star, mark := 0, 0, -1, 0
	for ri < len(r) {
		switch {
		case pi < len(p) && (p[pi] == '_' || p[pi] == r[ri]):
			pi++
			ri++
		case pi < len(p) && p[pi] == '%':
			star, mark = pi, ri
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			ri = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}
