package index

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strings"
)

// KeyAttribute is the pseudo attribute that refers to the entry key.
const KeyAttribute = "__key"

// Kind is the type of an attribute value. Kinds order before values:
// null < bool < number < string.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
)

// Value is a comparable attribute value.
type Value struct {
	Kind Kind    `json:"kind"`
	Bool bool    `json:"bool,omitempty"`
	Num  float64 `json:"num,omitempty"`
	Str  string  `json:"str,omitempty"`
}

// Null, Bool, Number and String construct values.
func Null() Value            { return Value{Kind: KindNull} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }

// Compare orders two values, first by kind then by content.
func Compare(a, b Value) int {
	if a.Kind != b.Kind {
		return cmp.Compare(a.Kind, b.Kind)
	}
	switch a.Kind {
	case KindBool:
		switch {
		case a.Bool == b.Bool:
			return 0
		case !a.Bool:
			return -1
		default:
			return 1
		}
	case KindNumber:
		return cmp.Compare(a.Num, b.Num)
	case KindString:
		return strings.Compare(a.Str, b.Str)
	default:
		return 0
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindNumber:
		return fmt.Sprintf("%g", v.Num)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	default:
		return "null"
	}
}

// FromAny converts a decoded JSON scalar into a Value.
// Objects and arrays are not indexable and report false.
func FromAny(v any) (Value, bool) {
	switch t := v.(type) {
	case nil:
		return Null(), true
	case bool:
		return Bool(t), true
	case float64:
		return Number(t), true
	case int:
		return Number(float64(t)), true
	case int64:
		return Number(float64(t)), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String()), true
		}
		return Number(f), true
	case string:
		return String(t), true
	default:
		return Value{}, false
	}
}

// Extract returns the attribute of an entry. object is the decoded JSON view of
// value if the caller has one, nil makes Extract decode value itself.
func Extract(key, value []byte, object any, attribute string) (Value, bool) {
	if attribute == KeyAttribute {
		return scalarOf(key), true
	}
	if object == nil {
		if err := json.Unmarshal(value, &object); err != nil {
			return Value{}, false
		}
	}
	for _, part := range strings.Split(attribute, ".") {
		m, ok := object.(map[string]any)
		if !ok {
			return Value{}, false
		}
		if object, ok = m[part]; !ok {
			return Value{}, false
		}
	}
	return FromAny(object)
}

// scalarOf interprets raw bytes as a JSON scalar, falling back to a string.
func scalarOf(raw []byte) Value {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if v, ok := FromAny(decoded); ok {
			return v
		}
	}
	return String(string(raw))
}
