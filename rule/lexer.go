package rule

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOperator
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokStar
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokOperator:
		return "operator"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokComma:
		return "','"
	case tokStar:
		return "'*'"
	default:
		return "token"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

// keyword reports whether the token is the given keyword, ignoring case.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string %s", quote(t.text))
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

var keywords = []string{"SELECT", "FROM", "WHERE", "AND", "OR", "NOT"}

func isKeyword(t token) bool {
	for _, kw := range keywords {
		if t.keyword(kw) {
			return true
		}
	}
	return false
}

const operatorChars = "=!<>~&|^%"

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
		case c == ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case c == '*':
			tokens = append(tokens, token{tokStar, "*", i})
			i++
		case c == '\'' || c == '"':
			text, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokString, text, i})
			i = next
		case isDigit(c) || ((c == '-' || c == '+' || c == '.') && i+1 < len(src) && (isDigit(src[i+1]) || src[i+1] == '.')):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || src[j] == '.' || src[j] == 'e' || src[j] == 'E' ||
				((src[j] == '-' || src[j] == '+') && (src[j-1] == 'e' || src[j-1] == 'E'))) {
				j++
			}
			tokens = append(tokens, token{tokNumber, src[i:j], i})
			i = j
		case strings.IndexByte(operatorChars, c) >= 0:
			j := i
			for j < len(src) && strings.IndexByte(operatorChars, src[j]) >= 0 {
				j++
			}
			tokens = append(tokens, token{tokOperator, src[i:j], i})
			i = j
		case isIdentStart(c):
			j, err := lexIdent(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokIdent, src[i:j], i})
			i = j
		default:
			return nil, &ParseError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(src)})
	return tokens, nil
}

// lexString reads a quoted string starting at src[start] and returns its
// unescaped contents and the offset just past the closing quote.
func lexString(src string, start int) (string, int, error) {
	q := src[start]
	var b strings.Builder
	for i := start + 1; i < len(src); i++ {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[i])
			}
			continue
		}
		if c == q {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
	}
	return "", 0, &ParseError{Pos: start, Msg: "unterminated string"}
}

// lexIdent reads a field path such as payload.items[0].name. Bracket groups
// directly attached to the path are part of it.
func lexIdent(src string, start int) (int, error) {
	j := start
	for j < len(src) {
		c := src[j]
		switch {
		case isIdentPart(c):
			j++
		case c == '[':
			end := strings.IndexByte(src[j:], ']')
			if end < 0 {
				return 0, &ParseError{Pos: j, Msg: "unterminated '[' in field path"}
			}
			j += end + 1
		default:
			return j, nil
		}
	}
	return j, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.' || c == '-'
}
