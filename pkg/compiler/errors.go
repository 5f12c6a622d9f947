package compiler

import (
	"fmt"

	"github.com/PostHog/hogtrace/pkg/lexer"
)

// ErrorKind classifies compile failures. The compiler stops at the
// first error.
type ErrorKind int

const (
	// TooManyArguments: a call's arity exceeds what CALL_FUNC encodes.
	TooManyArguments ErrorKind = iota

	// SampleInBody: a sample directive appeared inside a probe body.
	SampleInBody

	// ConstantPoolOverflow: the program needs more constants than a u16
	// index can address. Fatal for the whole program.
	ConstantPoolOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case TooManyArguments:
		return "too many arguments"
	case SampleInBody:
		return "sample in body"
	case ConstantPoolOverflow:
		return "constant pool overflow"
	default:
		return "compile error"
	}
}

// Error is a compile error with the source span it arose from.
type Error struct {
	Kind    ErrorKind
	Message string
	Span    lexer.Span
}

func (e *Error) Error() string {
	return fmt.Sprintf("compile error at %s: %s", e.Span, e.Message)
}
