package vm

import (
	"math"

	"github.com/PostHog/hogtrace/pkg/value"
)

// Dispatcher abstracts every host-specific effect the VM can cause.
//
// The executor stays generic: variable resolution, attribute and item
// access, and function calls are all delegated here. One dispatcher
// instance is owned by the executor for the duration of a single probe
// firing; any state reachable through it (request store, capture buffer)
// must be scoped to that firing or guarded by the host.
type Dispatcher interface {
	// LoadVariable resolves a variable name. Conventional names: args,
	// arg0..argN, kwargs, retval, exception, self, locals, globals,
	// req, request. retval and exception are only valid in exit probes.
	LoadVariable(name string) (value.Value, error)

	// StoreVariable stores a value under a plain variable name.
	StoreVariable(name string, v value.Value) error

	// GetAttribute performs obj.name.
	GetAttribute(obj value.Value, name string) (value.Value, error)

	// SetAttribute performs obj.name = v. Request-scoped writes arrive
	// here with the store proxy as obj.
	SetAttribute(obj value.Value, name string, v value.Value) error

	// GetItem performs obj[key].
	GetItem(obj, key value.Value) (value.Value, error)

	// CallFunction is invoked for every CALL_FUNC. Hosts must recognize
	// the reserved builtins: timestamp, rand, len, str, int, float,
	// capture, send.
	CallFunction(name string, args []value.Value) (value.Value, error)

	// BinaryOp and ComparisonOp have default semantics (EvalBinaryOp,
	// EvalComparisonOp) but are part of the interface so hosts can plug
	// in richer numeric-coercion rules. Embed DefaultOps to inherit the
	// defaults.
	BinaryOp(op BinaryOp, left, right value.Value) (value.Value, error)
	ComparisonOp(op ComparisonOp, left, right value.Value) (value.Value, error)
}

// BinaryOp is an arithmetic operation selector.
type BinaryOp int

const (
	BinAdd BinaryOp = iota
	BinSub
	BinMul
	BinDiv
	BinMod
)

func (op BinaryOp) String() string {
	switch op {
	case BinAdd:
		return "+"
	case BinSub:
		return "-"
	case BinMul:
		return "*"
	case BinDiv:
		return "/"
	case BinMod:
		return "%"
	default:
		return "?"
	}
}

// ComparisonOp is a comparison operation selector.
type ComparisonOp int

const (
	CmpEq ComparisonOp = iota
	CmpNe
	CmpLt
	CmpGt
	CmpLe
	CmpGe
)

func (op ComparisonOp) String() string {
	switch op {
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	case CmpLt:
		return "<"
	case CmpGt:
		return ">"
	case CmpLe:
		return "<="
	case CmpGe:
		return ">="
	default:
		return "?"
	}
}

// DefaultOps provides the default arithmetic and comparison semantics.
// Dispatcher implementations embed it and override only when the host
// language needs different coercion rules.
type DefaultOps struct{}

func (DefaultOps) BinaryOp(op BinaryOp, left, right value.Value) (value.Value, error) {
	return EvalBinaryOp(op, left, right)
}

func (DefaultOps) ComparisonOp(op ComparisonOp, left, right value.Value) (value.Value, error) {
	return EvalComparisonOp(op, left, right)
}

// EvalBinaryOp implements the default arithmetic semantics:
//
//   - Int op Int is signed 64-bit arithmetic; overflow wraps. Division
//     and modulo by zero are errors.
//   - If either side is a Float the other widens, and IEEE-754 rules
//     apply, except that / and % by 0.0 are errors.
//   - String + String concatenates; no other string arithmetic.
//   - Everything else is a type error.
func EvalBinaryOp(op BinaryOp, left, right value.Value) (value.Value, error) {
	lk, rk := left.Kind(), right.Kind()

	if lk == value.KindInt && rk == value.KindInt {
		l, _ := left.AsInt()
		r, _ := right.AsInt()
		switch op {
		case BinAdd:
			return value.Int(l + r), nil
		case BinSub:
			return value.Int(l - r), nil
		case BinMul:
			return value.Int(l * r), nil
		case BinDiv:
			if r == 0 {
				return value.None, runtimeErr(DivisionByZero, "division by zero")
			}
			return value.Int(l / r), nil
		case BinMod:
			if r == 0 {
				return value.None, runtimeErr(DivisionByZero, "modulo by zero")
			}
			return value.Int(l % r), nil
		}
	}

	if isNumeric(lk) && isNumeric(rk) {
		l, _ := left.AsFloat()
		r, _ := right.AsFloat()
		switch op {
		case BinAdd:
			return value.Float(l + r), nil
		case BinSub:
			return value.Float(l - r), nil
		case BinMul:
			return value.Float(l * r), nil
		case BinDiv:
			if r == 0 {
				return value.None, runtimeErr(DivisionByZero, "division by zero")
			}
			return value.Float(l / r), nil
		case BinMod:
			if r == 0 {
				return value.None, runtimeErr(DivisionByZero, "modulo by zero")
			}
			return value.Float(math.Mod(l, r)), nil
		}
	}

	if lk == value.KindString && rk == value.KindString && op == BinAdd {
		l, _ := left.AsString()
		r, _ := right.AsString()
		return value.String(l + r), nil
	}

	return value.None, runtimeErr(TypeError,
		"cannot perform %s on %s and %s", op, lk, rk)
}

// EvalComparisonOp implements the default comparison semantics:
//
//   - Numeric comparisons widen to float when the types differ.
//   - Bools support only == and !=.
//   - Strings compare lexicographically.
//   - None == None is true; None against anything else is != only.
//     Ordering against None and every other cross-type comparison is a
//     type error.
func EvalComparisonOp(op ComparisonOp, left, right value.Value) (value.Value, error) {
	lk, rk := left.Kind(), right.Kind()

	switch {
	case lk == value.KindBool && rk == value.KindBool:
		l, _ := left.AsBool()
		r, _ := right.AsBool()
		switch op {
		case CmpEq:
			return value.Bool(l == r), nil
		case CmpNe:
			return value.Bool(l != r), nil
		default:
			return value.None, runtimeErr(TypeError, "cannot compare bools with %s", op)
		}

	case lk == value.KindInt && rk == value.KindInt:
		l, _ := left.AsInt()
		r, _ := right.AsInt()
		return value.Bool(compareOrdered(op, l, r)), nil

	case isNumeric(lk) && isNumeric(rk):
		l, _ := left.AsFloat()
		r, _ := right.AsFloat()
		return value.Bool(compareOrdered(op, l, r)), nil

	case lk == value.KindString && rk == value.KindString:
		l, _ := left.AsString()
		r, _ := right.AsString()
		return value.Bool(compareOrdered(op, l, r)), nil

	case lk == value.KindNone && rk == value.KindNone:
		switch op {
		case CmpEq:
			return value.Bool(true), nil
		case CmpNe:
			return value.Bool(false), nil
		default:
			return value.None, runtimeErr(TypeError, "cannot order-compare None values")
		}

	case lk == value.KindNone || rk == value.KindNone:
		switch op {
		case CmpEq:
			return value.Bool(false), nil
		case CmpNe:
			return value.Bool(true), nil
		default:
			return value.None, runtimeErr(TypeError, "cannot order-compare with None")
		}

	default:
		return value.None, runtimeErr(TypeError,
			"cannot compare %s and %s with %s", lk, rk, op)
	}
}

func isNumeric(k value.Kind) bool {
	return k == value.KindInt || k == value.KindFloat
}

func compareOrdered[T int64 | float64 | string](op ComparisonOp, l, r T) bool {
	switch op {
	case CmpEq:
		return l == r
	case CmpNe:
		return l != r
	case CmpLt:
		return l < r
	case CmpGt:
		return l > r
	case CmpLe:
		return l <= r
	default:
		return l >= r
	}
}
