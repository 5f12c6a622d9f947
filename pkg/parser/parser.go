// Package parser implements the HogTrace language parser.
//
// The parser converts a token stream (from the lexer) into an AST. It is
// a top-down recursive descent parser with Pratt-style precedence
// climbing for expressions.
//
// Token Management:
//
// The parser maintains two tokens at all times:
//   - current: the token being examined
//   - peek: the next token (one token lookahead)
//
// The two-token window lets the parser decide without consuming tokens
// prematurely; for example, a capture call whose first argument starts
// with Ident '=' switches the whole argument list into named form.
//
// Grammar Overview:
//
//	program      := probe*
//	probe        := probe_spec predicate? '{' stmt* '}'
//	probe_spec   := ('fn'|'py') ':' module_fn ':' probe_point
//	module_fn    := part ('.' part)*
//	part         := Ident | '*'
//	probe_point  := 'entry' ('+' Int)?  |  'exit' ('+' Int)?
//	predicate    := '/' expr '/'
//	stmt         := assignment | sample | capture
//	assignment   := ('$req'|'$request') '.' Ident '=' expr ';'
//	sample       := 'sample' Int ('%' | '/' Int) ';'
//	capture      := ('capture'|'send') '(' args? ')' ';'
//	args         := expr (',' expr)*  |  named (',' named)*
//	named        := Ident '=' expr
//
// Operator precedence, low to high: || then && then == != then the
// ordering comparisons then + - then * / %. All binary operators are
// left-associative. Unary '!' binds tighter than any binary operator;
// postfix '.name' and '[expr]' bind tightest.
//
// Predicates and division:
//
// The '/.../' predicate delimiter collides with the division operator.
// While parsing a predicate body the parser tracks the depth of open
// parentheses and brackets: a '/' nested inside '(...)' or '[...]' is
// always division, and a '/' at depth zero terminates the predicate only
// when the body's opening '{' follows it. Predicates can therefore
// contain both (a / b) and plain a / b.
//
// Error Handling:
//
// The parser stops at the first error. Errors carry a kind, a span, an
// optional suggestion, and the source text for caret rendering.
package parser

import (
	"fmt"
	"unicode/utf8"

	"github.com/PostHog/hogtrace/pkg/ast"
	"github.com/PostHog/hogtrace/pkg/lexer"
)

// Parser holds the parsing state. It is single-use: create a new Parser
// for each source text.
type Parser struct {
	lex     *lexer.Lexer
	current lexer.Token
	peek    lexer.Token
	source  string

	// inPredicate and groupDepth implement the '/' disambiguation rule:
	// inside a predicate, Slash is the terminator only at group depth 0.
	inPredicate bool
	groupDepth  int
}

// New creates a parser for the given source code.
func New(source string) *Parser {
	lex := lexer.New(source)
	p := &Parser{lex: lex, source: source}
	p.current = lex.NextToken()
	p.peek = lex.NextToken()
	return p
}

// ParseSource parses a complete program from source text. Non-UTF-8
// input is rejected before the lexer sees it.
func ParseSource(source string) (*ast.Program, error) {
	if !utf8.ValidString(source) {
		return nil, errorWithKind(InvalidToken, "source is not valid UTF-8",
			lexer.NewSpan(lexer.StartPosition(), lexer.StartPosition()))
	}
	return New(source).ParseProgram()
}

// ParseProgram parses probes until end of file.
func (p *Parser) ParseProgram() (*ast.Program, error) {
	start := p.current.Span.Start
	var probes []*ast.Probe

	for p.current.Kind != lexer.TokenEOF {
		probe, err := p.parseProbe()
		if err != nil {
			return nil, p.enrich(err)
		}
		probes = append(probes, probe)
	}

	end := start
	if len(probes) > 0 {
		end = probes[len(probes)-1].Loc.End
	}

	return &ast.Program{
		Probes: probes,
		Loc:    lexer.NewSpan(start, end),
	}, nil
}

// enrich attaches the source text so callers can pretty-print the error.
func (p *Parser) enrich(err error) error {
	if perr, ok := err.(*Error); ok && perr.Source == "" {
		perr.Source = p.source
	}
	return err
}

// parseProbe parses one probe definition: spec, optional predicate,
// brace-delimited statement list.
func (p *Parser) parseProbe() (*ast.Probe, error) {
	start := p.current.Span.Start

	spec, err := p.parseProbeSpec()
	if err != nil {
		return nil, err
	}

	var predicate ast.Expr
	if p.current.Kind == lexer.TokenSlash {
		predicate, err = p.parsePredicate()
		if err != nil {
			return nil, err
		}
	}

	if _, err := p.expect(lexer.TokenLBrace); err != nil {
		return nil, err
	}

	var body []ast.Stmt
	for p.current.Kind != lexer.TokenRBrace && p.current.Kind != lexer.TokenEOF {
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		body = append(body, stmt)
	}

	close, err := p.expect(lexer.TokenRBrace)
	if err != nil {
		return nil, err
	}

	return &ast.Probe{
		Spec:      spec,
		Predicate: predicate,
		Body:      body,
		Loc:       lexer.NewSpan(start, close.Span.End),
	}, nil
}

// parseProbeSpec parses 'fn'|'py' ':' module_fn ':' probe_point.
func (p *Parser) parseProbeSpec() (*ast.ProbeSpec, error) {
	start := p.current.Span.Start

	var provider ast.Provider
	switch p.current.Kind {
	case lexer.TokenFn:
		provider = ast.ProviderFn
		p.advance()
	case lexer.TokenPy:
		provider = ast.ProviderPy
		p.advance()
	default:
		return nil, errorWithKind(InvalidProbeSpec,
			"Expected 'fn' or 'py' at start of probe specification",
			p.current.Span,
		).withSuggestion("Probe specifications must start with 'fn:' or 'py:'")
	}

	if _, err := p.expect(lexer.TokenColon); err != nil {
		return nil, err
	}

	moduleFn, err := p.parseModuleFunction()
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(lexer.TokenColon); err != nil {
		return nil, err
	}

	point, err := p.parseProbePoint()
	if err != nil {
		return nil, err
	}

	return &ast.ProbeSpec{
		Provider:       provider,
		ModuleFunction: moduleFn,
		Point:          point,
		Loc:            lexer.NewSpan(start, p.current.Span.Start),
	}, nil
}

// parseModuleFunction parses a dotted path of identifiers and wildcards,
// e.g. myapp.users.create or myapp.*.
func (p *Parser) parseModuleFunction() (ast.ModuleFunction, error) {
	start := p.current.Span.Start
	var parts []ast.ModulePart

	for {
		switch p.current.Kind {
		case lexer.TokenIdent:
			parts = append(parts, ast.ModulePart{Name: p.current.Text})
			p.advance()
		case lexer.TokenStar:
			parts = append(parts, ast.ModulePart{Wildcard: true})
			p.advance()
		default:
			return ast.ModuleFunction{}, errorWithKind(InvalidProbeSpec,
				"Expected identifier or '*' in module path", p.current.Span)
		}

		if p.current.Kind != lexer.TokenDot {
			break
		}
		p.advance() // consume dot
	}

	return ast.ModuleFunction{
		Parts: parts,
		Loc:   lexer.NewSpan(start, p.current.Span.Start),
	}, nil
}

// parseProbePoint parses entry, exit, entry+N or exit+N, with typo hints
// for near-misses like "entr".
func (p *Parser) parseProbePoint() (ast.ProbePoint, error) {
	switch p.current.Kind {
	case lexer.TokenEntry:
		p.advance()
		offset, err := p.parsePointOffset()
		if err != nil {
			return ast.ProbePoint{}, err
		}
		return ast.ProbePoint{Kind: ast.PointEntry, Offset: offset}, nil

	case lexer.TokenExit:
		p.advance()
		offset, err := p.parsePointOffset()
		if err != nil {
			return ast.ProbePoint{}, err
		}
		return ast.ProbePoint{Kind: ast.PointExit, Offset: offset}, nil

	default:
		suggestion := "Probe points must be 'entry', 'exit', 'entry+N', or 'exit+N'"
		if p.current.Kind == lexer.TokenIdent {
			switch p.current.Text {
			case "entr", "entyr", "entre":
				suggestion = "Did you mean 'entry'?"
			case "exi", "ext", "exti":
				suggestion = "Did you mean 'exit'?"
			}
		}
		return ast.ProbePoint{}, errorWithKind(InvalidProbeSpec,
			fmt.Sprintf("Expected 'entry' or 'exit', found %s", p.current),
			p.current.Span,
		).withSuggestion(suggestion)
	}
}

// parsePointOffset parses the optional '+' Int suffix of a probe point.
func (p *Parser) parsePointOffset() (int64, error) {
	if p.current.Kind != lexer.TokenPlus {
		return 0, nil
	}
	p.advance()
	if p.current.Kind != lexer.TokenInt {
		return 0, errorWithKind(InvalidProbeSpec,
			"Expected integer offset", p.current.Span)
	}
	offset := p.current.Int
	p.advance()
	return offset, nil
}

// parsePredicate parses '/' expr '/'. The terminating slash is
// recognized via the group-depth rule (see the package comment).
func (p *Parser) parsePredicate() (ast.Expr, error) {
	p.advance() // consume opening '/'

	p.inPredicate = true
	p.groupDepth = 0
	expr, err := p.parseExprPrec(0)
	p.inPredicate = false
	if err != nil {
		return nil, err
	}

	if p.current.Kind != lexer.TokenSlash {
		return nil, errorWithKind(MissingDelimiter,
			fmt.Sprintf("Expected '/' to close predicate, found %s", p.current),
			p.current.Span)
	}
	p.advance() // consume closing '/'
	return expr, nil
}

// parseStatement parses one probe-body statement.
func (p *Parser) parseStatement() (ast.Stmt, error) {
	switch p.current.Kind {
	case lexer.TokenReq, lexer.TokenRequest:
		return p.parseAssignment()
	case lexer.TokenSample:
		return p.parseSampleDirective()
	case lexer.TokenCapture, lexer.TokenSend:
		return p.parseCaptureStatement()
	default:
		return nil, errorWithKind(InvalidStatement,
			fmt.Sprintf("Expected statement, found %s", p.current),
			p.current.Span)
	}
}

// parseAssignment parses $req.field = expr ';'.
func (p *Parser) parseAssignment() (ast.Stmt, error) {
	start := p.current.Span.Start
	isRequest := p.current.Kind == lexer.TokenRequest
	p.advance()

	if _, err := p.expect(lexer.TokenDot); err != nil {
		return nil, err
	}
	fieldTok, err := p.expect(lexer.TokenIdent)
	if err != nil {
		return nil, err
	}

	rv := ast.RequestVar{
		IsRequest: isRequest,
		Field:     fieldTok.Text,
		Loc:       lexer.NewSpan(start, fieldTok.Span.End),
	}

	if _, err := p.expect(lexer.TokenAssign); err != nil {
		return nil, err
	}
	value, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	semi, err := p.expect(lexer.TokenSemi)
	if err != nil {
		return nil, err
	}

	return &ast.Assignment{
		Var:   rv,
		Value: value,
		Loc:   lexer.NewSpan(start, semi.Span.End),
	}, nil
}

// parseSampleDirective parses 'sample' Int '%' ';' or 'sample' Int '/' Int ';'.
func (p *Parser) parseSampleDirective() (ast.Stmt, error) {
	start := p.current.Span.Start
	p.advance() // consume 'sample'

	if p.current.Kind != lexer.TokenInt {
		return nil, errorWithKind(InvalidStatement,
			"Expected integer after 'sample'", p.current.Span)
	}
	numerator := p.current.Int
	p.advance()

	var spec ast.SampleSpec
	switch p.current.Kind {
	case lexer.TokenPercent:
		p.advance()
		spec = ast.SampleSpec{Numerator: numerator}
	case lexer.TokenSlash:
		p.advance()
		if p.current.Kind != lexer.TokenInt {
			return nil, errorWithKind(InvalidStatement,
				"Expected integer denominator", p.current.Span)
		}
		spec = ast.SampleSpec{Numerator: numerator, Denominator: p.current.Int}
		p.advance()
	default:
		return nil, errorWithKind(InvalidStatement,
			"Expected '%' or '/' after sample number", p.current.Span)
	}

	semi, err := p.expect(lexer.TokenSemi)
	if err != nil {
		return nil, err
	}

	return &ast.Sample{Spec: spec, Loc: lexer.NewSpan(start, semi.Span.End)}, nil
}

// parseCaptureStatement parses capture(...) ';' or send(...) ';'.
func (p *Parser) parseCaptureStatement() (ast.Stmt, error) {
	start := p.current.Span.Start
	isSend := p.current.Kind == lexer.TokenSend
	p.advance()

	if _, err := p.expect(lexer.TokenLParen); err != nil {
		return nil, err
	}

	stmt := &ast.Capture{IsSend: isSend}
	if p.current.Kind != lexer.TokenRParen {
		if err := p.parseCaptureArgs(stmt); err != nil {
			return nil, err
		}
	}

	if _, err := p.expect(lexer.TokenRParen); err != nil {
		return nil, err
	}
	semi, err := p.expect(lexer.TokenSemi)
	if err != nil {
		return nil, err
	}

	stmt.Loc = lexer.NewSpan(start, semi.Span.End)
	return stmt, nil
}

// parseCaptureArgs parses the argument list of a capture/send call. If
// the first argument begins with Ident '=', every argument must be
// name=expr; otherwise every argument is a positional expression.
// Trailing commas are rejected by the expression parser on the next
// element.
func (p *Parser) parseCaptureArgs(stmt *ast.Capture) error {
	if p.current.Kind == lexer.TokenIdent && p.peek.Kind == lexer.TokenAssign {
		return p.parseNamedCaptureArgs(stmt)
	}

	for {
		arg, err := p.parseExpr()
		if err != nil {
			return err
		}
		stmt.Positional = append(stmt.Positional, arg)
		if p.current.Kind != lexer.TokenComma {
			return nil
		}
		p.advance() // consume comma
	}
}

// parseNamedCaptureArgs parses name '=' expr (',' name '=' expr)*.
func (p *Parser) parseNamedCaptureArgs(stmt *ast.Capture) error {
	for {
		start := p.current.Span.Start
		nameTok, err := p.expect(lexer.TokenIdent)
		if err != nil {
			return err
		}
		if _, err := p.expect(lexer.TokenAssign); err != nil {
			return err
		}
		value, err := p.parseExpr()
		if err != nil {
			return err
		}
		stmt.Named = append(stmt.Named, ast.NamedArg{
			Name:  nameTok.Text,
			Value: value,
			Loc:   lexer.NewSpan(start, value.Span().End),
		})
		if p.current.Kind != lexer.TokenComma {
			return nil
		}
		p.advance() // consume comma
	}
}

// parseExpr parses an expression at the lowest precedence level.
func (p *Parser) parseExpr() (ast.Expr, error) {
	return p.parseExprPrec(0)
}

// parseExprPrec implements precedence climbing: parse a unary/postfix
// operand, then fold in binary operators whose precedence is at least
// minPrec, recursing with minPrec+1 for left associativity.
func (p *Parser) parseExprPrec(minPrec int) (ast.Expr, error) {
	left, err := p.parseUnaryExpr()
	if err != nil {
		return nil, err
	}

	for {
		op, prec, ok := p.currentBinaryOp()
		if !ok || prec < minPrec {
			return left, nil
		}

		p.advance() // consume operator
		right, err := p.parseExprPrec(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{
			Op:    op,
			Left:  left,
			Right: right,
			Loc:   lexer.NewSpan(left.Span().Start, right.Span().End),
		}
	}
}

// parseUnaryExpr parses '!' chains ahead of a primary expression and its
// postfix accesses, so '!a.b' negates 'a.b'.
func (p *Parser) parseUnaryExpr() (ast.Expr, error) {
	if p.current.Kind == lexer.TokenNot {
		start := p.current.Span.Start
		p.advance()
		expr, err := p.parseUnaryExpr()
		if err != nil {
			return nil, err
		}
		return &ast.Unary{
			Op:   ast.OpNot,
			Expr: expr,
			Loc:  lexer.NewSpan(start, expr.Span().End),
		}, nil
	}
	primary, err := p.parsePrimaryExpr()
	if err != nil {
		return nil, err
	}
	return p.parsePostfixExpr(primary)
}

// parsePrimaryExpr parses literals, identifiers, request variables,
// function calls and parenthesized expressions.
func (p *Parser) parsePrimaryExpr() (ast.Expr, error) {
	tok := p.current
	switch tok.Kind {
	case lexer.TokenInt:
		p.advance()
		return &ast.IntLit{Value: tok.Int, Loc: tok.Span}, nil

	case lexer.TokenFloat:
		p.advance()
		return &ast.FloatLit{Value: tok.Float, Loc: tok.Span}, nil

	case lexer.TokenString:
		p.advance()
		return &ast.StringLit{Value: tok.Text, Loc: tok.Span}, nil

	case lexer.TokenBool:
		p.advance()
		return &ast.BoolLit{Value: tok.Bool, Loc: tok.Span}, nil

	case lexer.TokenNone:
		p.advance()
		return &ast.NoneLit{Loc: tok.Span}, nil

	case lexer.TokenReq, lexer.TokenRequest:
		return p.parseRequestVarExpr()

	case lexer.TokenIdent:
		p.advance()
		if p.current.Kind == lexer.TokenLParen {
			return p.parseFunctionCall(tok.Text, tok.Span)
		}
		return &ast.Ident{Name: tok.Text, Loc: tok.Span}, nil

	case lexer.TokenLParen:
		p.advance()
		p.groupDepth++
		expr, err := p.parseExprPrec(0)
		p.groupDepth--
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.TokenRParen); err != nil {
			return nil, err
		}
		return expr, nil

	default:
		return nil, errorWithKind(InvalidExpression,
			fmt.Sprintf("Expected expression, found %s", tok), tok.Span)
	}
}

// parsePostfixExpr folds in '.field' and '[index]' accesses, which bind
// tighter than any operator.
func (p *Parser) parsePostfixExpr(expr ast.Expr) (ast.Expr, error) {
	for {
		switch p.current.Kind {
		case lexer.TokenDot:
			p.advance()
			fieldTok, err := p.expect(lexer.TokenIdent)
			if err != nil {
				return nil, err
			}
			expr = &ast.FieldAccess{
				Object: expr,
				Field:  fieldTok.Text,
				Loc:    lexer.NewSpan(expr.Span().Start, fieldTok.Span.End),
			}

		case lexer.TokenLBracket:
			p.advance()
			p.groupDepth++
			index, err := p.parseExprPrec(0)
			p.groupDepth--
			if err != nil {
				return nil, err
			}
			close, err := p.expect(lexer.TokenRBracket)
			if err != nil {
				return nil, err
			}
			expr = &ast.IndexAccess{
				Object: expr,
				Index:  index,
				Loc:    lexer.NewSpan(expr.Span().Start, close.Span.End),
			}

		default:
			return expr, nil
		}
	}
}

// parseRequestVarExpr parses $req.field / $request.field in expression
// position.
func (p *Parser) parseRequestVarExpr() (ast.Expr, error) {
	start := p.current.Span.Start
	isRequest := p.current.Kind == lexer.TokenRequest
	p.advance()

	if _, err := p.expect(lexer.TokenDot); err != nil {
		return nil, err
	}
	fieldTok, err := p.expect(lexer.TokenIdent)
	if err != nil {
		return nil, err
	}

	span := lexer.NewSpan(start, fieldTok.Span.End)
	return &ast.RequestVarExpr{
		Var: ast.RequestVar{
			IsRequest: isRequest,
			Field:     fieldTok.Text,
			Loc:       span,
		},
		Loc: span,
	}, nil
}

// parseFunctionCall parses the parenthesized argument list of a call
// whose name token has already been consumed.
func (p *Parser) parseFunctionCall(name string, nameSpan lexer.Span) (ast.Expr, error) {
	p.advance() // consume '('
	p.groupDepth++
	defer func() { p.groupDepth-- }()

	var args []ast.Expr
	if p.current.Kind != lexer.TokenRParen {
		for {
			arg, err := p.parseExprPrec(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.current.Kind != lexer.TokenComma {
				break
			}
			p.advance() // consume comma
		}
	}

	close, err := p.expect(lexer.TokenRParen)
	if err != nil {
		return nil, err
	}

	return &ast.Call{
		Function: name,
		Args:     args,
		Loc:      lexer.NewSpan(nameSpan.Start, close.Span.End),
	}, nil
}

// currentBinaryOp maps the current token to a binary operator and its
// precedence. Inside a predicate, a '/' at group depth zero followed by
// the body's '{' is the predicate terminator rather than division.
func (p *Parser) currentBinaryOp() (ast.BinaryOp, int, bool) {
	if p.inPredicate && p.groupDepth == 0 && p.current.Kind == lexer.TokenSlash &&
		p.peek.Kind == lexer.TokenLBrace {
		return 0, 0, false
	}

	switch p.current.Kind {
	case lexer.TokenOr:
		return ast.OpOr, 1, true
	case lexer.TokenAnd:
		return ast.OpAnd, 2, true
	case lexer.TokenEqEq:
		return ast.OpEq, 3, true
	case lexer.TokenNotEq:
		return ast.OpNotEq, 3, true
	case lexer.TokenLt:
		return ast.OpLt, 4, true
	case lexer.TokenGt:
		return ast.OpGt, 4, true
	case lexer.TokenLtEq:
		return ast.OpLtEq, 4, true
	case lexer.TokenGtEq:
		return ast.OpGtEq, 4, true
	case lexer.TokenPlus:
		return ast.OpAdd, 5, true
	case lexer.TokenMinus:
		return ast.OpSub, 5, true
	case lexer.TokenStar:
		return ast.OpMul, 6, true
	case lexer.TokenSlash:
		return ast.OpDiv, 6, true
	case lexer.TokenPercent:
		return ast.OpMod, 6, true
	default:
		return 0, 0, false
	}
}

// advance moves the lookahead window forward by one token.
func (p *Parser) advance() {
	p.current = p.peek
	p.peek = p.lex.NextToken()
}

// expect consumes and returns the current token if it has the given
// kind, or fails with an "Expected X, found Y" error.
func (p *Parser) expect(kind lexer.TokenKind) (lexer.Token, error) {
	if p.current.Kind != kind {
		return lexer.Token{}, expectedError(kind, p.current)
	}
	tok := p.current
	p.advance()
	return tok, nil
}
