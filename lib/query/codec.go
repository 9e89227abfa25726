package query

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Encode serializes a predicate for the wire. Custom predicates are rejected.
func Encode(p *Predicate) ([]byte, error) {
	if p == nil {
		p = True()
	}
	if err := validate(p, false); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Decode parses a predicate produced by Encode.
func Decode(data []byte) (*Predicate, error) {
	if len(data) == 0 {
		return True(), nil
	}
	var p Predicate
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decode predicate")
	}
	if err := validate(&p, false); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the structure of a predicate. Custom predicates are allowed.
func Validate(p *Predicate) error {
	return validate(p, true)
}

func validate(p *Predicate, allowCustom bool) error {
	if p == nil {
		return errors.New("nil predicate")
	}
	switch p.Kind {
	case KindTrue:
	case KindEqual, KindNotEqual, KindRange, KindLike:
		if p.Attribute == "" {
			return errors.Newf("%s predicate without attribute", p.Kind)
		}
	case KindIn:
		if p.Attribute == "" || len(p.Values) == 0 {
			return errors.Newf("in predicate needs an attribute and values")
		}
	case KindAnd, KindOr:
		for _, c := range p.Children {
			if err := validate(c, allowCustom); err != nil {
				return err
			}
		}
	case KindNot, KindIndexed:
		if len(p.Children) != 1 {
			return errors.Newf("%s predicate needs exactly one child, got %d", p.Kind, len(p.Children))
		}
		return validate(p.Children[0], allowCustom)
	case KindCustom:
		if !allowCustom {
			return errors.Wrapf(ErrUnsupportedPredicate, "custom predicate %q", p.Name)
		}
		if p.Fn == nil {
			return errors.Newf("custom predicate %q without function", p.Name)
		}
	default:
		return errors.Newf("unknown predicate kind %d", uint8(p.Kind))
	}
	return nil
}

// Portable reports whether the predicate can be sent to another process.
func Portable(p *Predicate) bool {
	return validate(p, false) == nil
}
