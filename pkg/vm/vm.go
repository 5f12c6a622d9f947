// Package vm implements the bytecode executor for HogTrace probes.
//
// The executor is a stack-based interpreter, the final stage in the
// pipeline:
//
//	Source -> Lexer -> Parser -> AST -> Compiler -> Bytecode -> Executor
//
// Execution Model:
//
// There is no control flow: the loop reads a byte, decodes the opcode,
// reads its operands, dispatches, and moves on, until it runs off the end
// of the bytecode or hits the first error. The result is the value left
// on top of the stack, or None when the stack is empty — predicates
// compile so that exactly one value remains, bodies so that none does.
//
// Everything non-algebraic is delegated to the Dispatcher: variables,
// attribute and item access, function calls, and (overridably) the
// arithmetic and comparison semantics themselves.
//
// One Executor serves one execute call during one probe firing. The
// stack is owned exclusively by the in-flight call; the constant pool is
// shared and read-only.
package vm

import (
	"github.com/PostHog/hogtrace/pkg/bytecode"
	"github.com/PostHog/hogtrace/pkg/value"
)

// stackCapacity is the preallocated stack depth. Probe expressions are
// small; the stack grows past this only for pathological programs.
const stackCapacity = 32

// Executor runs predicate and body bytecode against a dispatcher.
type Executor struct {
	pool  *bytecode.ConstantPool
	stack []value.Value
	disp  Dispatcher
}

// New creates an executor over a program's constant pool and a
// host dispatcher. The dispatcher is uniquely owned by this executor
// until Execute returns.
func New(pool *bytecode.ConstantPool, disp Dispatcher) *Executor {
	return &Executor{
		pool:  pool,
		stack: make([]value.Value, 0, stackCapacity),
		disp:  disp,
	}
}

// Execute runs the given bytecode and returns the top of the stack, or
// None if the stack is empty on exit. Dispatcher errors are returned
// verbatim; executor failures are *Error values.
func (e *Executor) Execute(code []byte) (value.Value, error) {
	i := 0

	for i < len(code) {
		op, err := bytecode.DecodeOpcode(code[i])
		if err != nil {
			return value.None, runtimeErr(InvalidOpcode, "%v", err)
		}
		i++

		switch op {
		case bytecode.OpPushConst:
			index, err := e.readU16(code, &i)
			if err != nil {
				return value.None, err
			}
			v, err := e.pool.ValueAt(index)
			if err != nil {
				return value.None, runtimeErr(OutOfBoundsConstant, "%v", err)
			}
			e.push(v)

		case bytecode.OpPop:
			if _, err := e.pop(); err != nil {
				return value.None, err
			}

		case bytecode.OpDup:
			// Reserved for future compiler patterns; no compiler emits it
			// and no executor runs it.
			return value.None, runtimeErr(InvalidOpcode, "DUP instruction not implemented")

		case bytecode.OpLoadVar:
			index, err := e.readU16(code, &i)
			if err != nil {
				return value.None, err
			}
			name, err := e.pool.NameAt(index)
			if err != nil {
				return value.None, runtimeErr(OutOfBoundsConstant, "%v", err)
			}
			v, err := e.disp.LoadVariable(name)
			if err != nil {
				return value.None, err
			}
			e.push(v)

		case bytecode.OpStoreVar:
			index, err := e.readU16(code, &i)
			if err != nil {
				return value.None, err
			}
			name, err := e.pool.NameAt(index)
			if err != nil {
				return value.None, runtimeErr(OutOfBoundsConstant, "%v", err)
			}
			v, err := e.pop()
			if err != nil {
				return value.None, err
			}
			if err := e.disp.StoreVariable(name, v); err != nil {
				return value.None, err
			}

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			if err := e.binaryOp(binOpFor(op)); err != nil {
				return value.None, err
			}

		case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpGt, bytecode.OpLe, bytecode.OpGe:
			if err := e.comparisonOp(cmpOpFor(op)); err != nil {
				return value.None, err
			}

		case bytecode.OpAnd:
			right, left, err := e.pop2()
			if err != nil {
				return value.None, err
			}
			e.push(value.Bool(left.IsTruthy() && right.IsTruthy()))

		case bytecode.OpOr:
			right, left, err := e.pop2()
			if err != nil {
				return value.None, err
			}
			e.push(value.Bool(left.IsTruthy() || right.IsTruthy()))

		case bytecode.OpNot:
			v, err := e.pop()
			if err != nil {
				return value.None, err
			}
			e.push(value.Bool(!v.IsTruthy()))

		case bytecode.OpGetAttr:
			index, err := e.readU16(code, &i)
			if err != nil {
				return value.None, err
			}
			name, err := e.pool.NameAt(index)
			if err != nil {
				return value.None, runtimeErr(OutOfBoundsConstant, "%v", err)
			}
			obj, err := e.pop()
			if err != nil {
				return value.None, err
			}
			v, err := e.disp.GetAttribute(obj, name)
			if err != nil {
				return value.None, err
			}
			e.push(v)

		case bytecode.OpSetAttr:
			index, err := e.readU16(code, &i)
			if err != nil {
				return value.None, err
			}
			name, err := e.pool.NameAt(index)
			if err != nil {
				return value.None, runtimeErr(OutOfBoundsConstant, "%v", err)
			}
			v, err := e.pop()
			if err != nil {
				return value.None, err
			}
			obj, err := e.pop()
			if err != nil {
				return value.None, err
			}
			if err := e.disp.SetAttribute(obj, name, v); err != nil {
				return value.None, err
			}

		case bytecode.OpGetItem:
			key, obj, err := e.pop2()
			if err != nil {
				return value.None, err
			}
			v, err := e.disp.GetItem(obj, key)
			if err != nil {
				return value.None, err
			}
			e.push(v)

		case bytecode.OpCallFunc:
			index, err := e.readU16(code, &i)
			if err != nil {
				return value.None, err
			}
			argc, err := e.readU8(code, &i)
			if err != nil {
				return value.None, err
			}
			name, err := e.pool.NameAt(index)
			if err != nil {
				return value.None, runtimeErr(OutOfBoundsConstant, "%v", err)
			}

			n := int(argc)
			if len(e.stack) < n {
				return value.None, runtimeErr(StackUnderflow,
					"stack underflow: need %d args for %s(), but only %d on stack",
					n, name, len(e.stack))
			}
			args := make([]value.Value, n)
			copy(args, e.stack[len(e.stack)-n:])
			e.stack = e.stack[:len(e.stack)-n]

			v, err := e.disp.CallFunction(name, args)
			if err != nil {
				return value.None, err
			}
			e.push(v)
		}
	}

	if len(e.stack) == 0 {
		return value.None, nil
	}
	top := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return top, nil
}

// StackDepth reports how many values are on the stack. Useful for tests
// asserting the predicate/body stack discipline.
func (e *Executor) StackDepth() int { return len(e.stack) }

func (e *Executor) push(v value.Value) {
	e.stack = append(e.stack, v)
}

func (e *Executor) pop() (value.Value, error) {
	if len(e.stack) == 0 {
		return value.None, runtimeErr(StackUnderflow, "stack underflow")
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v, nil
}

// pop2 pops the top two values, returning them top-first.
func (e *Executor) pop2() (top, below value.Value, err error) {
	top, err = e.pop()
	if err != nil {
		return value.None, value.None, err
	}
	below, err = e.pop()
	if err != nil {
		return value.None, value.None, err
	}
	return top, below, nil
}

func (e *Executor) readU16(code []byte, i *int) (uint16, error) {
	v, err := bytecode.ReadU16(code, *i)
	if err != nil {
		return 0, runtimeErr(TruncatedBytecode, "%v", err)
	}
	*i += 2
	return v, nil
}

func (e *Executor) readU8(code []byte, i *int) (byte, error) {
	v, err := bytecode.ReadU8(code, *i)
	if err != nil {
		return 0, runtimeErr(TruncatedBytecode, "%v", err)
	}
	*i++
	return v, nil
}

func (e *Executor) binaryOp(op BinaryOp) error {
	right, left, err := e.pop2()
	if err != nil {
		return err
	}
	v, err := e.disp.BinaryOp(op, left, right)
	if err != nil {
		return err
	}
	e.push(v)
	return nil
}

func (e *Executor) comparisonOp(op ComparisonOp) error {
	right, left, err := e.pop2()
	if err != nil {
		return err
	}
	v, err := e.disp.ComparisonOp(op, left, right)
	if err != nil {
		return err
	}
	e.push(v)
	return nil
}

func binOpFor(op bytecode.Opcode) BinaryOp {
	switch op {
	case bytecode.OpAdd:
		return BinAdd
	case bytecode.OpSub:
		return BinSub
	case bytecode.OpMul:
		return BinMul
	case bytecode.OpDiv:
		return BinDiv
	default:
		return BinMod
	}
}

func cmpOpFor(op bytecode.Opcode) ComparisonOp {
	switch op {
	case bytecode.OpEq:
		return CmpEq
	case bytecode.OpNe:
		return CmpNe
	case bytecode.OpLt:
		return CmpLt
	case bytecode.OpGt:
		return CmpGt
	case bytecode.OpLe:
		return CmpLe
	default:
		return CmpGe
	}
}
