// Package value defines the runtime values of the HogTrace VM.
package value

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindObject
)

// String returns a short name for the kind, used in error messages.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a runtime value in the HogTrace VM.
//
// Values are primitives (bool, int, float, string, none) or opaque host
// objects. Object values are never inspected by the VM itself; they only
// travel between dispatcher operations. Bytecode cannot synthesize an
// Object: the only way one reaches the stack is through the dispatcher.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	obj  any
}

// None is the none/null value.
var None = Value{kind: KindNone}

// Bool constructs a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int constructs a 64-bit integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float constructs a 64-bit float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String constructs a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Object wraps a host object handle. The handle is opaque to the VM; the
// dispatcher that produced it is responsible for interpreting it.
func Object(obj any) Value { return Value{kind: KindObject, obj: obj} }

// Kind reports which variant this value holds.
func (v Value) Kind() Kind { return v.kind }

// IsNone reports whether the value is None.
func (v Value) IsNone() bool { return v.kind == KindNone }

// IsTruthy reports the boolean coercion of the value, used by predicates
// and the logical opcodes. False, 0, 0.0, NaN, the empty string and None
// are falsy; every Object is truthy.
func (v Value) IsTruthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0.0 && !math.IsNaN(v.f)
	case KindString:
		return v.s != ""
	case KindObject:
		return true
	default:
		return false
	}
}

// AsBool returns the underlying bool, or an error for any other kind.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, fmt.Errorf("cannot convert %s to bool", v.kind)
	}
	return v.b, nil
}

// AsInt converts to int64. Floats truncate, bools become 0/1.
func (v Value) AsInt() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindFloat:
		return int64(v.f), nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %s to int", v.kind)
	}
}

// AsFloat converts to float64. Ints widen, bools become 0.0/1.0.
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %s to float", v.kind)
	}
}

// AsString returns the underlying string, or an error for any other kind.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", fmt.Errorf("cannot convert %s to string", v.kind)
	}
	return v.s, nil
}

// Obj returns the wrapped host handle, or nil for non-Object values.
func (v Value) Obj() any {
	if v.kind != KindObject {
		return nil
	}
	return v.obj
}

// Bits returns the raw bit pattern of a float value. Only meaningful for
// KindFloat.
func (v Value) Bits() uint64 { return math.Float64bits(v.f) }

// Equal reports structural equality for primitive values. Objects compare
// by handle identity.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindObject:
		return v.obj == o.obj
	default:
		return true
	}
}

// String renders the value the way the surface language would print it.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindObject:
		return "<object>"
	default:
		return "None"
	}
}

// GoString renders a debug form with the variant name visible.
func (v Value) GoString() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("Bool(%t)", v.b)
	case KindInt:
		return fmt.Sprintf("Int(%d)", v.i)
	case KindFloat:
		return fmt.Sprintf("Float(%v)", v.f)
	case KindString:
		return fmt.Sprintf("String(%q)", v.s)
	case KindObject:
		return "Object(<opaque>)"
	default:
		return "None"
	}
}
