package rule

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"mqttlens/jsonpath"
	"mqttlens/message"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// ParseOperator converts a string to an Operator. "==" and "<>" are accepted
// as spellings of "=" and "!=".
func ParseOperator(s string) (Operator, error) {
	switch s {
	case "=", "==":
		return OpEqual, nil
	case "!=", "<>":
		return OpNotEqual, nil
	case ">":
		return OpGreater, nil
	case "<":
		return OpLess, nil
	case ">=":
		return OpGreaterEqual, nil
	case "<=":
		return OpLessEqual, nil
	default:
		return "", fmt.Errorf("unknown operator: %s", s)
	}
}

// ValidOperators returns a list of valid operator strings.
func ValidOperators() []string {
	return []string{"=", "!=", ">", "<", ">=", "<="}
}

// LogicalOp combines child conditions.
type LogicalOp string

const (
	LogicAnd LogicalOp = "AND"
	LogicOr  LogicalOp = "OR"
	LogicNot LogicalOp = "NOT"
)

// Condition is a boolean predicate over a flattened message context. The
// only implementations are *Comparison and *Logical.
type Condition interface {
	Evaluate(ctx map[string]any) bool
	String() string
	condition()
}

// Comparison tests one context field against a literal.
type Comparison struct {
	Field    string
	Operator Operator
	Value    any
}

// Logical combines child conditions with AND, OR or NOT.
type Logical struct {
	Op       LogicalOp
	Children []Condition
}

func (*Comparison) condition() {}
func (*Logical) condition()    {}

// Evaluate extracts the field and compares it to the literal. A missing
// field never satisfies the comparison.
func (c *Comparison) Evaluate(ctx map[string]any) bool {
	value, ok := jsonpath.Field(ctx, c.Field)
	if !ok {
		return false
	}

	valueFloat, valueIsNum := message.Number(value)
	targetFloat, targetIsNum := message.Number(c.Value)
	bothNumeric := valueIsNum && targetIsNum

	switch c.Operator {
	case OpEqual, OpNotEqual:
		// Two strings compare as strings even when both look numeric.
		var eq bool
		if bothNumeric && !(isString(value) && isString(c.Value)) {
			eq = valueFloat == targetFloat
		} else {
			eq = equal(value, c.Value)
		}
		return eq == (c.Operator == OpEqual)
	default:
		return bothNumeric && compareFloat(c.Operator, valueFloat, targetFloat)
	}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func compareFloat(op Operator, value, target float64) bool {
	switch op {
	case OpEqual:
		return value == target
	case OpNotEqual:
		return value != target
	case OpGreater:
		return value > target
	case OpLess:
		return value < target
	case OpGreaterEqual:
		return value >= target
	case OpLessEqual:
		return value <= target
	default:
		return false
	}
}

// equal compares structurally after normalising numbers to float64, so
// []any{1} equals []any{1.0}.
func equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	switch val := v.(type) {
	case string, bool, nil:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = normalize(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = normalize(x)
		}
		return out
	}
	if f, ok := message.Number(v); ok {
		return f
	}
	return v
}

// String renders the comparison in rule syntax.
func (c *Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Operator, formatLiteral(c.Value))
}

// Evaluate combines the children. AND of nothing is true, OR of nothing is
// false; NOT negates its single child.
func (l *Logical) Evaluate(ctx map[string]any) bool {
	switch l.Op {
	case LogicAnd:
		for _, child := range l.Children {
			if !child.Evaluate(ctx) {
				return false
			}
		}
		return true
	case LogicOr:
		for _, child := range l.Children {
			if child.Evaluate(ctx) {
				return true
			}
		}
		return false
	case LogicNot:
		if len(l.Children) != 1 {
			return false
		}
		return !l.Children[0].Evaluate(ctx)
	default:
		return false
	}
}

// String renders the expression with explicit parentheses.
func (l *Logical) String() string {
	if l.Op == LogicNot {
		if len(l.Children) != 1 {
			return "NOT ()"
		}
		return "NOT (" + l.Children[0].String() + ")"
	}

	parts := make([]string, len(l.Children))
	for i, child := range l.Children {
		parts[i] = child.String()
	}
	return "(" + strings.Join(parts, " "+string(l.Op)+" ") + ")"
}

// formatLiteral renders a literal so the parser reads it back unchanged.
func formatLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return quote(val)
	case bool:
		return strconv.FormatBool(val)
	}
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if _, ok := message.Number(v); ok {
		return fmt.Sprintf("%v", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
