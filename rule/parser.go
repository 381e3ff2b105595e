package rule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mqttlens/jsonpath"
	"mqttlens/topic"
)

// SelectAll is the select-list wildcard.
const SelectAll = "*"

// ParseError reports malformed rule syntax.
type ParseError struct {
	Pos int
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Query is the compiled form of a rule statement.
type Query struct {
	Select []string
	From   string
	Where  Condition
}

// Parser compiles rule statements.
type Parser interface {
	Parse(sql string) (*Query, error)
}

// DefaultParser is the stock rule syntax parser.
var DefaultParser Parser = parserFunc(Parse)

type parserFunc func(string) (*Query, error)

func (f parserFunc) Parse(sql string) (*Query, error) { return f(sql) }

// Parse compiles a statement of the form
//
//	SELECT <* | field[, field...]> FROM '<topic-filter>' [WHERE <expr>]
//
// Keywords are case-insensitive. NOT binds tighter than AND, which binds
// tighter than OR.
func Parse(sql string) (*Query, error) {
	tokens, err := lex(sql)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	return p.parseQuery()
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &ParseError{Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseQuery() (*Query, error) {
	t := p.next()
	if !t.keyword("SELECT") {
		return nil, p.errorf(t, "missing SELECT clause, got %s", t.describe())
	}

	fields, err := p.parseSelectList()
	if err != nil {
		return nil, err
	}

	t = p.next()
	if !t.keyword("FROM") {
		return nil, p.errorf(t, "missing FROM clause, got %s", t.describe())
	}

	t = p.next()
	if t.kind != tokString {
		return nil, p.errorf(t, "FROM expects a quoted topic filter, got %s", t.describe())
	}
	if err := topic.Validate(t.text); err != nil {
		return nil, &ParseError{Pos: t.pos, Msg: err.Error(), Err: err}
	}
	q := &Query{Select: fields, From: t.text}

	t = p.next()
	switch {
	case t.kind == tokEOF:
		return q, nil
	case t.keyword("WHERE"):
	default:
		return nil, p.errorf(t, "expected WHERE or end of input, got %s", t.describe())
	}

	if p.peek().kind == tokEOF {
		return nil, p.errorf(p.peek(), "WHERE requires an expression")
	}
	where, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	t = p.next()
	switch {
	case t.kind == tokEOF:
	case t.kind == tokRParen:
		return nil, p.errorf(t, "unbalanced parentheses: unexpected ')'")
	default:
		return nil, p.errorf(t, "unexpected %s after expression", t.describe())
	}

	q.Where = where
	return q, nil
}

func (p *parser) parseSelectList() ([]string, error) {
	if p.peek().kind == tokStar {
		p.next()
		return []string{SelectAll}, nil
	}

	var fields []string
	for {
		t := p.next()
		if t.kind != tokIdent || isKeyword(t) {
			if len(fields) == 0 {
				return nil, p.errorf(t, "empty select list")
			}
			return nil, p.errorf(t, "expected field name after ',', got %s", t.describe())
		}
		if !jsonpath.IsValidField(t.text) {
			return nil, p.errorf(t, "invalid field path %q", t.text)
		}
		fields = append(fields, t.text)

		if p.peek().kind != tokComma {
			return fields, nil
		}
		p.next()
	}
}

func (p *parser) parseOr() (Condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Condition{left}
	for p.peek().keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Logical{Op: LogicOr, Children: children}, nil
}

func (p *parser) parseAnd() (Condition, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	children := []Condition{left}
	for p.peek().keyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Logical{Op: LogicAnd, Children: children}, nil
}

func (p *parser) parseNot() (Condition, error) {
	if p.peek().keyword("NOT") {
		p.next()
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Logical{Op: LogicNot, Children: []Condition{child}}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Condition, error) {
	t := p.next()
	switch {
	case t.kind == tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing := p.next()
		if closing.kind != tokRParen {
			return nil, p.errorf(closing, "unbalanced parentheses: expected ')' to close '(' at position %d, got %s", t.pos, closing.describe())
		}
		return inner, nil
	case t.kind == tokEOF:
		prev := p.tokens[max(p.pos-1, 0)]
		return nil, p.errorf(t, "dangling operator: expression expected after %s", prev.describe())
	case t.kind == tokIdent && !isKeyword(t):
		return p.parseComparison(t)
	case t.kind == tokRParen:
		return nil, p.errorf(t, "unbalanced parentheses: unexpected ')'")
	default:
		return nil, p.errorf(t, "expected condition, got %s", t.describe())
	}
}

func (p *parser) parseComparison(field token) (Condition, error) {
	if !jsonpath.IsValidField(field.text) {
		return nil, p.errorf(field, "invalid field path %q", field.text)
	}

	opTok := p.next()
	if opTok.kind != tokOperator {
		if opTok.kind == tokEOF {
			return nil, p.errorf(opTok, "dangling field %q: comparison operator expected", field.text)
		}
		return nil, p.errorf(opTok, "expected comparison operator after %q, got %s", field.text, opTok.describe())
	}
	op, err := ParseOperator(opTok.text)
	if err != nil {
		return nil, p.errorf(opTok, "unknown operator %q", opTok.text)
	}

	if p.peek().kind == tokEOF {
		return nil, p.errorf(p.peek(), "dangling operator %q: value expected", opTok.text)
	}
	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Comparison{Field: field.text, Operator: op, Value: value}, nil
}

func (p *parser) parseLiteral() (any, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number %q", t.text)
		}
		return f, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		return nil, p.errorf(t, "expected literal value, got %s", t.describe())
	case tokLBracket:
		return p.parseArray(t)
	default:
		return nil, p.errorf(t, "expected literal value, got %s", t.describe())
	}
}

func (p *parser) parseArray(open token) (any, error) {
	items := []any{}
	if p.peek().kind == tokRBracket {
		p.next()
		return items, nil
	}
	for {
		if p.peek().kind == tokEOF {
			return nil, p.errorf(p.peek(), "unterminated array literal opened at position %d", open.pos)
		}
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		items = append(items, v)

		t := p.next()
		switch t.kind {
		case tokComma:
			continue
		case tokRBracket:
			return items, nil
		default:
			return nil, p.errorf(t, "expected ',' or ']' in array literal, got %s", t.describe())
		}
	}
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
