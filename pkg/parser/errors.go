// Package parser - diagnostic error values with spans and suggestions.
package parser

import (
	"fmt"
	"strings"

	"github.com/PostHog/hogtrace/pkg/lexer"
)

// ErrorKind categorizes a parse error for callers that branch on failure
// modes (tooling, tests) rather than matching message text.
type ErrorKind int

const (
	UnexpectedToken ErrorKind = iota
	UnexpectedEOF
	InvalidToken
	MissingDelimiter
	InvalidProbeSpec
	InvalidExpression
	InvalidStatement
	Other
)

func (k ErrorKind) String() string {
	switch k {
	case UnexpectedToken:
		return "unexpected token"
	case UnexpectedEOF:
		return "unexpected end of file"
	case InvalidToken:
		return "invalid token"
	case MissingDelimiter:
		return "missing delimiter"
	case InvalidProbeSpec:
		return "invalid probe spec"
	case InvalidExpression:
		return "invalid expression"
	case InvalidStatement:
		return "invalid statement"
	default:
		return "error"
	}
}

// Error is a parse error with location information and helpful context.
// The parser stops at the first error; there is no recovery.
type Error struct {
	Kind       ErrorKind
	Message    string
	Span       lexer.Span
	Suggestion string // optional "did you mean" style hint
	Source     string // optional source text for pretty printing
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "parse error at %s: %s", e.Span, e.Message)
	if e.Suggestion != "" {
		fmt.Fprintf(&b, "\n  help: %s", e.Suggestion)
	}
	return b.String()
}

// newError creates an error with the Other kind.
func newError(message string, span lexer.Span) *Error {
	return &Error{Kind: Other, Message: message, Span: span}
}

// errorWithKind creates an error with a specific kind.
func errorWithKind(kind ErrorKind, message string, span lexer.Span) *Error {
	return &Error{Kind: kind, Message: message, Span: span}
}

// expectedError builds the standard "Expected X, found Y" error with a
// targeted suggestion for the common cases.
func expectedError(expected lexer.TokenKind, found lexer.Token) *Error {
	kind := UnexpectedToken
	if found.Kind == lexer.TokenEOF {
		kind = UnexpectedEOF
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf("Expected %s, found %s", expected, found),
		Span:       found.Span,
		Suggestion: suggestForExpected(expected, found.Kind),
	}
}

// suggestForExpected returns a fix hint for frequent mistakes: a missing
// semicolon, or an unclosed brace/paren/bracket at end of file.
func suggestForExpected(expected, found lexer.TokenKind) string {
	switch {
	case expected == lexer.TokenSemi:
		return "Add a semicolon ';' at the end of the statement"
	case expected == lexer.TokenRBrace && found == lexer.TokenEOF:
		return "Add a closing brace '}' to match the opening brace"
	case expected == lexer.TokenRParen && found == lexer.TokenEOF:
		return "Add a closing parenthesis ')' to match the opening parenthesis"
	case expected == lexer.TokenRBracket && found == lexer.TokenEOF:
		return "Add a closing bracket ']' to match the opening bracket"
	default:
		return ""
	}
}

// withSuggestion attaches a hint and returns the error.
func (e *Error) withSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// FormatWithSource renders the error with a caret-annotated source
// snippet:
//
//	Error: Expected ';', found '}'
//	  --> probes.ht:3:17
//	  |
//	3 |     $req.x = 42 }
//	  |                 ^
//	   = help: Add a semicolon ';' at the end of the statement
func (e *Error) FormatWithSource(filename string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Error: %s\n", e.Message)
	fmt.Fprintf(&b, "  --> %s:%d:%d\n", filename, e.Span.Start.Line, e.Span.Start.Column)

	if e.Source != "" {
		lines := strings.Split(e.Source, "\n")
		if idx := e.Span.Start.Line - 1; idx >= 0 && idx < len(lines) {
			line := lines[idx]
			num := fmt.Sprintf("%d", e.Span.Start.Line)
			gutter := strings.Repeat(" ", len(num))

			fmt.Fprintf(&b, "%s |\n", gutter)
			fmt.Fprintf(&b, "%s | %s\n", num, line)

			startCol := e.Span.Start.Column - 1
			if startCol < 0 {
				startCol = 0
			}
			endCol := len(line)
			if e.Span.Start.Line == e.Span.End.Line {
				endCol = e.Span.End.Column - 1
			}
			width := endCol - startCol
			if width < 1 {
				width = 1
			}
			fmt.Fprintf(&b, "%s | %s%s\n", gutter,
				strings.Repeat(" ", startCol), strings.Repeat("^", width))
		}
	}

	if e.Suggestion != "" {
		fmt.Fprintf(&b, "   = help: %s\n", e.Suggestion)
	}

	return b.String()
}
