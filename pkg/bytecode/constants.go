package bytecode

import (
	"fmt"
	"strconv"

	"github.com/PostHog/hogtrace/pkg/value"
)

// ConstKind identifies the variant of a pool constant.
//
// The last three kinds are UTF-8 strings at the byte level but carry
// semantic intent — variable name, attribute name, callable name — so wire
// dumps and disassembly stay self-describing.
type ConstKind int

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstString
	ConstBool
	ConstNone
	ConstIdentifier
	ConstFieldName
	ConstFunctionName
)

// String returns a short name for the constant kind.
func (k ConstKind) String() string {
	switch k {
	case ConstInt:
		return "int"
	case ConstFloat:
		return "float"
	case ConstString:
		return "string"
	case ConstBool:
		return "bool"
	case ConstNone:
		return "none"
	case ConstIdentifier:
		return "identifier"
	case ConstFieldName:
		return "field_name"
	case ConstFunctionName:
		return "function_name"
	default:
		return "unknown"
	}
}

// Constant is one entry in the constant pool: a literal (int, float,
// string, bool, none) or a name (identifier, field name, function name).
type Constant struct {
	Kind  ConstKind
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

// IntConst builds an integer literal constant.
func IntConst(i int64) Constant { return Constant{Kind: ConstInt, Int: i} }

// FloatConst builds a float literal constant.
func FloatConst(f float64) Constant { return Constant{Kind: ConstFloat, Float: f} }

// StringConst builds a string literal constant.
func StringConst(s string) Constant { return Constant{Kind: ConstString, Str: s} }

// BoolConst builds a boolean literal constant.
func BoolConst(b bool) Constant { return Constant{Kind: ConstBool, Bool: b} }

// NoneConst builds the None literal constant.
func NoneConst() Constant { return Constant{Kind: ConstNone} }

// Identifier builds a variable-name constant.
func Identifier(s string) Constant { return Constant{Kind: ConstIdentifier, Str: s} }

// FieldName builds an attribute-name constant.
func FieldName(s string) Constant { return Constant{Kind: ConstFieldName, Str: s} }

// FunctionName builds a callable-name constant.
func FunctionName(s string) Constant { return Constant{Kind: ConstFunctionName, Str: s} }

// Value converts a literal constant to a runtime value. Name constants
// are not values; converting one is an error.
func (c Constant) Value() (value.Value, error) {
	switch c.Kind {
	case ConstInt:
		return value.Int(c.Int), nil
	case ConstFloat:
		return value.Float(c.Float), nil
	case ConstString:
		return value.String(c.Str), nil
	case ConstBool:
		return value.Bool(c.Bool), nil
	case ConstNone:
		return value.None, nil
	default:
		return value.None, fmt.Errorf("constant %s is not a literal", c)
	}
}

// Name returns the string payload of an identifier, field-name,
// function-name or string constant.
func (c Constant) Name() (string, error) {
	switch c.Kind {
	case ConstIdentifier, ConstFieldName, ConstFunctionName, ConstString:
		return c.Str, nil
	default:
		return "", fmt.Errorf("constant %s is not a string", c)
	}
}

// String renders the constant for disassembly and error messages.
func (c Constant) String() string {
	switch c.Kind {
	case ConstInt:
		return fmt.Sprintf("Int(%d)", c.Int)
	case ConstFloat:
		return fmt.Sprintf("Float(%s)", strconv.FormatFloat(c.Float, 'g', -1, 64))
	case ConstString:
		return fmt.Sprintf("String(%q)", c.Str)
	case ConstBool:
		return fmt.Sprintf("Bool(%t)", c.Bool)
	case ConstNone:
		return "None"
	case ConstIdentifier:
		return fmt.Sprintf("Identifier(%q)", c.Str)
	case ConstFieldName:
		return fmt.Sprintf("FieldName(%q)", c.Str)
	case ConstFunctionName:
		return fmt.Sprintf("FunctionName(%q)", c.Str)
	default:
		return "Unknown"
	}
}

// MaxPoolSize is the number of constants addressable by a u16 operand.
const MaxPoolSize = 1 << 16

// ConstantPool is the ordered sequence of constants a program's bytecode
// references by u16 index. The pool is append-only during compilation and
// read-only afterwards.
type ConstantPool struct {
	constants []Constant
}

// NewConstantPool creates an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{}
}

// PoolFromConstants builds a pool from an existing constant sequence
// (used by the wire decoder).
func PoolFromConstants(constants []Constant) *ConstantPool {
	return &ConstantPool{constants: constants}
}

// Add appends a constant and returns its index. Adding beyond the u16
// address space fails.
func (p *ConstantPool) Add(c Constant) (uint16, error) {
	if len(p.constants) >= MaxPoolSize {
		return 0, fmt.Errorf("constant pool overflow: too many constants")
	}
	p.constants = append(p.constants, c)
	return uint16(len(p.constants) - 1), nil
}

// Get returns the constant at index.
func (p *ConstantPool) Get(index uint16) (Constant, error) {
	if int(index) >= len(p.constants) {
		return Constant{}, fmt.Errorf("constant pool index %d out of bounds", index)
	}
	return p.constants[index], nil
}

// Len returns the number of constants in the pool.
func (p *ConstantPool) Len() int { return len(p.constants) }

// Constants returns the backing sequence. Callers must not mutate it.
func (p *ConstantPool) Constants() []Constant { return p.constants }

// ValueAt returns the literal constant at index as a runtime value.
func (p *ConstantPool) ValueAt(index uint16) (value.Value, error) {
	c, err := p.Get(index)
	if err != nil {
		return value.None, err
	}
	return c.Value()
}

// NameAt returns the string payload of the name constant at index.
func (p *ConstantPool) NameAt(index uint16) (string, error) {
	c, err := p.Get(index)
	if err != nil {
		return "", err
	}
	return c.Name()
}
