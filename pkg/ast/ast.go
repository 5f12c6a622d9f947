// Package ast defines the Abstract Syntax Tree nodes for HogTrace.
//
// Nodes are pure data. Every node carries the source Span it was parsed
// from so later stages (compiler, diagnostics) can point back at source.
package ast

import (
	"strconv"
	"strings"

	"github.com/PostHog/hogtrace/pkg/lexer"
)

// Node is the interface all AST nodes implement.
type Node interface {
	Span() lexer.Span
}

// Expr represents an expression node.
type Expr interface {
	Node
	exprNode()
}

// Stmt represents a statement node inside a probe body.
type Stmt interface {
	Node
	stmtNode()
}

// Program is the root node: a sequence of probe definitions.
type Program struct {
	Probes []*Probe
	Loc    lexer.Span
}

func (p *Program) Span() lexer.Span { return p.Loc }

// Probe is one probe definition: spec, optional predicate, body.
type Probe struct {
	Spec      *ProbeSpec
	Predicate Expr // nil when the probe has no predicate
	Body      []Stmt
	Loc       lexer.Span
}

func (p *Probe) Span() lexer.Span { return p.Loc }

// Provider is the probe provider prefix (fn or py).
type Provider int

const (
	ProviderFn Provider = iota
	ProviderPy
)

func (p Provider) String() string {
	if p == ProviderPy {
		return "py"
	}
	return "fn"
}

// ProbeSpec identifies the site a probe installs on:
// provider ':' dotted module path ':' probe point.
type ProbeSpec struct {
	Provider       Provider
	ModuleFunction ModuleFunction
	Point          ProbePoint
	Loc            lexer.Span
}

func (s *ProbeSpec) Span() lexer.Span { return s.Loc }

// ModuleFunction is a dotted path where each part is an identifier or a
// '*' wildcard.
type ModuleFunction struct {
	Parts []ModulePart
	Loc   lexer.Span
}

// ModulePart is one segment of a dotted path. Wildcard parts have
// Wildcard set and an empty Name.
type ModulePart struct {
	Name     string
	Wildcard bool
}

// String reassembles the dotted path, rendering wildcards as '*'.
func (m ModuleFunction) String() string {
	var b strings.Builder
	for i, part := range m.Parts {
		if i > 0 {
			b.WriteByte('.')
		}
		if part.Wildcard {
			b.WriteByte('*')
		} else {
			b.WriteString(part.Name)
		}
	}
	return b.String()
}

// PointKind is the base site of a probe point.
type PointKind int

const (
	PointEntry PointKind = iota
	PointExit
)

// ProbePoint is entry, exit, entry+N or exit+N.
type ProbePoint struct {
	Kind   PointKind
	Offset int64 // 0 unless the +N form was used
}

func (p ProbePoint) String() string {
	base := "entry"
	if p.Kind == PointExit {
		base = "exit"
	}
	if p.Offset != 0 {
		return base + "+" + strconv.FormatInt(p.Offset, 10)
	}
	return base
}

// RequestVar is a request-store reference: $req.field or $request.field.
type RequestVar struct {
	IsRequest bool // true for $request, false for $req
	Field     string
	Loc       lexer.Span
}

// Assignment is a request-store write: $req.field = expr;
type Assignment struct {
	Var   RequestVar
	Value Expr
	Loc   lexer.Span
}

func (a *Assignment) Span() lexer.Span { return a.Loc }
func (a *Assignment) stmtNode()        {}

// SampleSpec is the argument of a sample directive: either N% or N/M.
type SampleSpec struct {
	Numerator   int64
	Denominator int64 // 0 for the percentage form
}

// Sample is the sample directive statement.
type Sample struct {
	Spec SampleSpec
	Loc  lexer.Span
}

func (s *Sample) Span() lexer.Span { return s.Loc }
func (s *Sample) stmtNode()        {}

// NamedArg is one name=expr pair of a named capture call.
type NamedArg struct {
	Name  string
	Value Expr
	Loc   lexer.Span
}

// Capture is a capture(...) or send(...) statement. Exactly one of
// Positional/Named is populated; an empty call is positional.
type Capture struct {
	IsSend     bool
	Positional []Expr
	Named      []NamedArg
	Loc        lexer.Span
}

func (c *Capture) Span() lexer.Span { return c.Loc }
func (c *Capture) stmtNode()        {}

// IntLit is an integer literal.
type IntLit struct {
	Value int64
	Loc   lexer.Span
}

func (e *IntLit) Span() lexer.Span { return e.Loc }
func (e *IntLit) exprNode()        {}

// FloatLit is a float literal.
type FloatLit struct {
	Value float64
	Loc   lexer.Span
}

func (e *FloatLit) Span() lexer.Span { return e.Loc }
func (e *FloatLit) exprNode()        {}

// StringLit is a string literal.
type StringLit struct {
	Value string
	Loc   lexer.Span
}

func (e *StringLit) Span() lexer.Span { return e.Loc }
func (e *StringLit) exprNode()        {}

// BoolLit is True or False.
type BoolLit struct {
	Value bool
	Loc   lexer.Span
}

func (e *BoolLit) Span() lexer.Span { return e.Loc }
func (e *BoolLit) exprNode()        {}

// NoneLit is the None literal.
type NoneLit struct {
	Loc lexer.Span
}

func (e *NoneLit) Span() lexer.Span { return e.Loc }
func (e *NoneLit) exprNode()        {}

// Ident is a variable reference (args, arg0, retval, ...).
type Ident struct {
	Name string
	Loc  lexer.Span
}

func (e *Ident) Span() lexer.Span { return e.Loc }
func (e *Ident) exprNode()        {}

// RequestVarExpr is a request-store read in expression position.
type RequestVarExpr struct {
	Var RequestVar
	Loc lexer.Span
}

func (e *RequestVarExpr) Span() lexer.Span { return e.Loc }
func (e *RequestVarExpr) exprNode()        {}

// BinaryOp is the closed set of binary operators.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpLt
	OpGt
	OpLtEq
	OpGtEq
	OpEq
	OpNotEq
	OpAnd
	OpOr
)

func (op BinaryOp) String() string {
	switch op {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpMod:
		return "%"
	case OpLt:
		return "<"
	case OpGt:
		return ">"
	case OpLtEq:
		return "<="
	case OpGtEq:
		return ">="
	case OpEq:
		return "=="
	case OpNotEq:
		return "!="
	case OpAnd:
		return "&&"
	case OpOr:
		return "||"
	default:
		return "?"
	}
}

// Binary is a binary operation with owned children.
type Binary struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
	Loc   lexer.Span
}

func (e *Binary) Span() lexer.Span { return e.Loc }
func (e *Binary) exprNode()        {}

// UnaryOp is the closed set of unary operators.
type UnaryOp int

const (
	OpNot UnaryOp = iota
)

func (op UnaryOp) String() string { return "!" }

// Unary is a unary operation (only '!').
type Unary struct {
	Op   UnaryOp
	Expr Expr
	Loc  lexer.Span
}

func (e *Unary) Span() lexer.Span { return e.Loc }
func (e *Unary) exprNode()        {}

// FieldAccess is obj.field.
type FieldAccess struct {
	Object Expr
	Field  string
	Loc    lexer.Span
}

func (e *FieldAccess) Span() lexer.Span { return e.Loc }
func (e *FieldAccess) exprNode()        {}

// IndexAccess is obj[index].
type IndexAccess struct {
	Object Expr
	Index  Expr
	Loc    lexer.Span
}

func (e *IndexAccess) Span() lexer.Span { return e.Loc }
func (e *IndexAccess) exprNode()        {}

// Call is a function call f(a1, ..., an).
type Call struct {
	Function string
	Args     []Expr
	Loc      lexer.Span
}

func (e *Call) Span() lexer.Span { return e.Loc }
func (e *Call) exprNode()        {}
