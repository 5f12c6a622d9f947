// Package compiler lowers the HogTrace AST into VM bytecode.
//
// Compilation is a single pass. Each probe's predicate and body compile
// into their own byte vectors, while all probes of a program share one
// constant pool. Constants are interned: structurally equal constants
// collapse to one pool entry, with floats keyed by raw bit pattern (so
// +0.0 and -0.0 intern separately; equal-bit NaNs would merge, and the
// compiler never manufactures a NaN).
//
// Expressions lower post-order — operands first, operator last — so the
// stack discipline falls out naturally: a compiled predicate leaves
// exactly one value on the stack, and every statement ends stack-neutral.
package compiler

import (
	"fmt"
	"math"

	"github.com/PostHog/hogtrace/pkg/ast"
	"github.com/PostHog/hogtrace/pkg/bytecode"
	"github.com/PostHog/hogtrace/pkg/lexer"
	"github.com/PostHog/hogtrace/pkg/parser"
	"github.com/PostHog/hogtrace/pkg/program"
)

// MaxCallArgs is the largest arity CALL_FUNC can encode.
const MaxCallArgs = 255

// Compiler translates one AST program. It is single-use.
type Compiler struct {
	pool *bytecode.ConstantPool
	code []byte

	// interned maps structural constant keys to pool indices.
	interned map[constKey]uint16
}

// constKey is the interning key for a constant. Floats are keyed by
// their bit pattern so the map is usable with NaN payloads.
type constKey struct {
	kind bytecode.ConstKind
	i    uint64
	s    string
	b    bool
}

func keyFor(c bytecode.Constant) constKey {
	switch c.Kind {
	case bytecode.ConstInt:
		return constKey{kind: c.Kind, i: uint64(c.Int)}
	case bytecode.ConstFloat:
		return constKey{kind: c.Kind, i: math.Float64bits(c.Float)}
	case bytecode.ConstBool:
		return constKey{kind: c.Kind, b: c.Bool}
	case bytecode.ConstNone:
		return constKey{kind: c.Kind}
	default:
		return constKey{kind: c.Kind, s: c.Str}
	}
}

// New creates a compiler with an empty pool.
func New() *Compiler {
	return &Compiler{
		pool:     bytecode.NewConstantPool(),
		interned: make(map[constKey]uint16),
	}
}

// Compile translates source text all the way to a Program.
func Compile(source string) (*program.Program, error) {
	prog, err := parser.ParseSource(source)
	if err != nil {
		return nil, err
	}
	return New().CompileProgram(prog)
}

// CompileProgram lowers a parsed AST into an executable Program.
func (c *Compiler) CompileProgram(prog *ast.Program) (*program.Program, error) {
	probes := make([]program.Probe, 0, len(prog.Probes))

	for idx, astProbe := range prog.Probes {
		probe, err := c.compileProbe(astProbe, idx)
		if err != nil {
			return nil, err
		}
		probes = append(probes, probe)
	}

	return &program.Program{
		Version:      program.Version,
		ConstantPool: c.pool,
		Probes:       probes,
		Sampling:     1.0,
	}, nil
}

// compileProbe compiles one probe. Probe ids are generated as
// "probe_{index}".
func (c *Compiler) compileProbe(probe *ast.Probe, idx int) (program.Probe, error) {
	id := fmt.Sprintf("probe_%d", idx)

	spec := program.Spec{Fn: &program.FnSpec{
		Specifier: probe.Spec.ModuleFunction.String(),
		Target:    targetFor(probe.Spec.Point),
	}}

	var predicate []byte
	if probe.Predicate != nil {
		if err := c.compileExpr(probe.Predicate); err != nil {
			return program.Probe{}, err
		}
		predicate = c.takeCode()
	}

	for _, stmt := range probe.Body {
		if err := c.compileStmt(stmt); err != nil {
			return program.Probe{}, err
		}
	}
	body := c.takeCode()

	return program.Probe{
		ID:        id,
		Spec:      spec,
		Predicate: predicate,
		Body:      body,
	}, nil
}

// targetFor folds a probe point down to the wire-level entry/exit
// target; the +N offset forms collapse to their base site.
func targetFor(p ast.ProbePoint) program.FnTarget {
	if p.Kind == ast.PointExit {
		return program.TargetExit
	}
	return program.TargetEntry
}

// ===== Expression lowering =====

func (c *Compiler) compileExpr(expr ast.Expr) error {
	switch e := expr.(type) {
	case *ast.IntLit:
		return c.emitPushConst(bytecode.IntConst(e.Value), e.Loc)

	case *ast.FloatLit:
		return c.emitPushConst(bytecode.FloatConst(e.Value), e.Loc)

	case *ast.StringLit:
		return c.emitPushConst(bytecode.StringConst(e.Value), e.Loc)

	case *ast.BoolLit:
		return c.emitPushConst(bytecode.BoolConst(e.Value), e.Loc)

	case *ast.NoneLit:
		return c.emitPushConst(bytecode.NoneConst(), e.Loc)

	case *ast.Ident:
		idx, err := c.intern(bytecode.Identifier(e.Name), e.Loc)
		if err != nil {
			return err
		}
		c.emitU16(bytecode.OpLoadVar, idx)
		return nil

	case *ast.RequestVarExpr:
		// $req.field reads as: LOAD_VAR req, GET_ATTR field. The
		// dispatcher answers LOAD_VAR with a store proxy object.
		varIdx, err := c.intern(bytecode.Identifier(requestVarName(e.Var)), e.Loc)
		if err != nil {
			return err
		}
		c.emitU16(bytecode.OpLoadVar, varIdx)

		fieldIdx, err := c.intern(bytecode.FieldName(e.Var.Field), e.Loc)
		if err != nil {
			return err
		}
		c.emitU16(bytecode.OpGetAttr, fieldIdx)
		return nil

	case *ast.Binary:
		if err := c.compileExpr(e.Left); err != nil {
			return err
		}
		if err := c.compileExpr(e.Right); err != nil {
			return err
		}
		c.emit(binaryOpcode(e.Op))
		return nil

	case *ast.Unary:
		if err := c.compileExpr(e.Expr); err != nil {
			return err
		}
		c.emit(bytecode.OpNot)
		return nil

	case *ast.FieldAccess:
		if err := c.compileExpr(e.Object); err != nil {
			return err
		}
		idx, err := c.intern(bytecode.FieldName(e.Field), e.Loc)
		if err != nil {
			return err
		}
		c.emitU16(bytecode.OpGetAttr, idx)
		return nil

	case *ast.IndexAccess:
		if err := c.compileExpr(e.Object); err != nil {
			return err
		}
		if err := c.compileExpr(e.Index); err != nil {
			return err
		}
		c.emit(bytecode.OpGetItem)
		return nil

	case *ast.Call:
		if len(e.Args) > MaxCallArgs {
			return &Error{
				Kind: TooManyArguments,
				Message: fmt.Sprintf("Too many arguments to function '%s': %d (max %d)",
					e.Function, len(e.Args), MaxCallArgs),
				Span: e.Loc,
			}
		}
		for _, arg := range e.Args {
			if err := c.compileExpr(arg); err != nil {
				return err
			}
		}
		idx, err := c.intern(bytecode.FunctionName(e.Function), e.Loc)
		if err != nil {
			return err
		}
		c.emitCall(idx, byte(len(e.Args)))
		return nil

	default:
		return fmt.Errorf("unknown expression type: %T", expr)
	}
}

// ===== Statement lowering =====

func (c *Compiler) compileStmt(stmt ast.Stmt) error {
	switch s := stmt.(type) {
	case *ast.Assignment:
		// $req.field = e writes through the store proxy, symmetric with
		// the read path: LOAD_VAR req, <e>, SET_ATTR field.
		varIdx, err := c.intern(bytecode.Identifier(requestVarName(s.Var)), s.Loc)
		if err != nil {
			return err
		}
		c.emitU16(bytecode.OpLoadVar, varIdx)

		if err := c.compileExpr(s.Value); err != nil {
			return err
		}

		fieldIdx, err := c.intern(bytecode.FieldName(s.Var.Field), s.Loc)
		if err != nil {
			return err
		}
		c.emitU16(bytecode.OpSetAttr, fieldIdx)
		return nil

	case *ast.Capture:
		return c.compileCapture(s)

	case *ast.Sample:
		// Sampling is a probe-level concern handled by the host; a
		// sample directive inside a body is a compile error.
		return &Error{
			Kind:    SampleInBody,
			Message: "sample directives are handled at probe level, not in the body",
			Span:    s.Loc,
		}

	default:
		return fmt.Errorf("unknown statement type: %T", stmt)
	}
}

// compileCapture lowers capture(...)/send(...).
//
// Positional form compiles each argument and calls with arity n. Named
// form pushes alternating (string key, value) pairs and calls with arity
// 2n; the runtime recognizes the named convention as "even arity, string
// at every even stack index".
func (c *Compiler) compileCapture(s *ast.Capture) error {
	funcName := "capture"
	if s.IsSend {
		funcName = "send"
	}

	var argc int
	if len(s.Named) > 0 {
		argc = len(s.Named) * 2
	} else {
		argc = len(s.Positional)
	}
	if argc > MaxCallArgs {
		return &Error{
			Kind: TooManyArguments,
			Message: fmt.Sprintf("Too many arguments to %s: %d (max %d)",
				funcName, argc, MaxCallArgs),
			Span: s.Loc,
		}
	}

	if len(s.Named) > 0 {
		for _, named := range s.Named {
			if err := c.emitPushConst(bytecode.StringConst(named.Name), named.Loc); err != nil {
				return err
			}
			if err := c.compileExpr(named.Value); err != nil {
				return err
			}
		}
	} else {
		for _, arg := range s.Positional {
			if err := c.compileExpr(arg); err != nil {
				return err
			}
		}
	}

	idx, err := c.intern(bytecode.FunctionName(funcName), s.Loc)
	if err != nil {
		return err
	}
	c.emitCall(idx, byte(argc))

	// Statements don't produce values.
	c.emit(bytecode.OpPop)
	return nil
}

func requestVarName(v ast.RequestVar) string {
	if v.IsRequest {
		return "request"
	}
	return "req"
}

func binaryOpcode(op ast.BinaryOp) bytecode.Opcode {
	switch op {
	case ast.OpAdd:
		return bytecode.OpAdd
	case ast.OpSub:
		return bytecode.OpSub
	case ast.OpMul:
		return bytecode.OpMul
	case ast.OpDiv:
		return bytecode.OpDiv
	case ast.OpMod:
		return bytecode.OpMod
	case ast.OpEq:
		return bytecode.OpEq
	case ast.OpNotEq:
		return bytecode.OpNe
	case ast.OpLt:
		return bytecode.OpLt
	case ast.OpGt:
		return bytecode.OpGt
	case ast.OpLtEq:
		return bytecode.OpLe
	case ast.OpGtEq:
		return bytecode.OpGe
	case ast.OpAnd:
		return bytecode.OpAnd
	default:
		return bytecode.OpOr
	}
}

// ===== Emission helpers =====

// intern returns the pool index for a constant, reusing an existing
// entry when a structurally equal one is already pooled.
func (c *Compiler) intern(con bytecode.Constant, span lexer.Span) (uint16, error) {
	key := keyFor(con)
	if idx, ok := c.interned[key]; ok {
		return idx, nil
	}
	idx, err := c.pool.Add(con)
	if err != nil {
		return 0, &Error{
			Kind:    ConstantPoolOverflow,
			Message: err.Error(),
			Span:    span,
		}
	}
	c.interned[key] = idx
	return idx, nil
}

func (c *Compiler) emit(op bytecode.Opcode) {
	c.code = append(c.code, byte(op))
}

func (c *Compiler) emitU16(op bytecode.Opcode, operand uint16) {
	c.code = append(c.code, byte(op), byte(operand), byte(operand>>8))
}

func (c *Compiler) emitCall(funcIndex uint16, argc byte) {
	c.code = append(c.code, byte(bytecode.OpCallFunc),
		byte(funcIndex), byte(funcIndex>>8), argc)
}

func (c *Compiler) emitPushConst(con bytecode.Constant, span lexer.Span) error {
	idx, err := c.intern(con, span)
	if err != nil {
		return err
	}
	c.emitU16(bytecode.OpPushConst, idx)
	return nil
}

// takeCode returns the accumulated bytecode and resets the buffer for
// the next predicate or body.
func (c *Compiler) takeCode() []byte {
	code := c.code
	c.code = nil
	return code
}
