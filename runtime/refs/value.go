// Package refs implements the typed reference model and the REF: expression
// resolver. Engines stage execution arguments and child responses in a Store
// of typed values; instruction bodies point at them with REF: strings which
// the Resolver replaces with plain values before execution.
package refs

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the declared type of a reference value.
type Kind string

// Reference kinds. KindAny is accepted in declarations only; stored values
// always carry a concrete kind inferred from the runtime value.
const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindList    Kind = "list"
	KindObject  Kind = "object"
	KindFile    Kind = "file"
	KindAny     Kind = "any"
)

// Value is a typed wrapper over an underlying value. File values carry only
// the storage path; content is materialized lazily by the Resolver.
type Value struct {
	kind Kind
	data any
}

// New wraps v in the declared kind, checking that the runtime value matches.
// KindAny infers the kind from the value. A nil value is accepted for any
// kind and represents the type-appropriate null.
func New(kind Kind, v any) (Value, error) {
	if v == nil {
		return Value{kind: kind}, nil
	}
	switch kind {
	case KindAny:
		return Infer(v)
	case KindString, KindFile:
		s, ok := v.(string)
		if !ok {
			return Value{}, fmt.Errorf("%s value must be a string, got %T", kind, v)
		}
		return Value{kind: kind, data: s}, nil
	case KindNumber:
		n, ok := normalizeNumber(v)
		if !ok {
			return Value{}, fmt.Errorf("number value must be numeric, got %T", v)
		}
		return Value{kind: kind, data: n}, nil
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return Value{}, fmt.Errorf("boolean value must be a bool, got %T", v)
		}
		return Value{kind: kind, data: b}, nil
	case KindList:
		l, ok := v.([]any)
		if !ok {
			return Value{}, fmt.Errorf("list value must be a list, got %T", v)
		}
		return Value{kind: kind, data: l}, nil
	case KindObject:
		o, ok := v.(map[string]any)
		if !ok {
			return Value{}, fmt.Errorf("object value must be an object, got %T", v)
		}
		return Value{kind: kind, data: o}, nil
	default:
		return Value{}, fmt.Errorf("unknown reference type %q", kind)
	}
}

// Infer wraps v in the kind matching its runtime type. Inference precedence:
// boolean, number, list, object, string.
func Infer(v any) (Value, error) {
	if v == nil {
		return Value{kind: KindString}, nil
	}
	if b, ok := v.(bool); ok {
		return Value{kind: KindBoolean, data: b}, nil
	}
	if n, ok := normalizeNumber(v); ok {
		return Value{kind: KindNumber, data: n}, nil
	}
	if l, ok := v.([]any); ok {
		return Value{kind: KindList, data: l}, nil
	}
	if o, ok := v.(map[string]any); ok {
		return Value{kind: KindObject, data: o}, nil
	}
	if s, ok := v.(string); ok {
		return Value{kind: KindString, data: s}, nil
	}
	return Value{}, fmt.Errorf("cannot infer reference type for %T", v)
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Raw returns the underlying value without accessor application.
func (v Value) Raw() any { return v.data }

// IsNull reports whether the value holds no data.
func (v Value) IsNull() bool { return v.data == nil }

// Null returns the type-appropriate null for a kind: an empty list for
// lists, an empty object for objects, nil otherwise.
func Null(kind Kind) any {
	switch kind {
	case KindList:
		return []any{}
	case KindObject:
		return map[string]any{}
	default:
		return nil
	}
}

// access applies a typed accessor to a non-file value per the reference
// grammar. The empty accessor returns the raw value.
func (v Value) access(attr string) (any, error) {
	if attr == "" {
		return v.data, nil
	}
	if v.data == nil {
		return nil, fmt.Errorf("accessor %q on null %s value", attr, v.kind)
	}
	switch v.kind {
	case KindString, KindNumber, KindBoolean:
		return nil, fmt.Errorf("type %s does not support accessor %q", v.kind, attr)
	case KindList:
		list := v.data.([]any)
		switch attr {
		case "length":
			return int64(len(list)), nil
		case "first":
			if len(list) == 0 {
				return nil, fmt.Errorf("first on empty list")
			}
			return list[0], nil
		case "last":
			if len(list) == 0 {
				return nil, fmt.Errorf("last on empty list")
			}
			return list[len(list)-1], nil
		default:
			i, err := strconv.Atoi(attr)
			if err != nil {
				return nil, fmt.Errorf("list does not support accessor %q", attr)
			}
			if i < 0 || i >= len(list) {
				return nil, fmt.Errorf("list index %d out of bounds (length %d)", i, len(list))
			}
			return list[i], nil
		}
	case KindObject:
		obj := v.data.(map[string]any)
		val, ok := obj[attr]
		if !ok {
			return nil, fmt.Errorf("object has no key %q", attr)
		}
		return val, nil
	default:
		return nil, fmt.Errorf("type %s does not support accessor %q", v.kind, attr)
	}
}

// normalizeNumber converts any numeric Go representation to int64 when
// integral, float64 otherwise. It reports false for non-numeric values.
func normalizeNumber(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return normalizeFloat(float64(n)), true
	case float64:
		return normalizeFloat(n), true
	default:
		return nil, false
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
