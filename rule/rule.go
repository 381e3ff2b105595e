package rule

import (
	"fmt"
	"strings"

	"mqttlens/jsonpath"
	"mqttlens/message"
	"mqttlens/topic"
)

// Status represents the current state of a rule.
type Status int

const (
	StatusDisabled Status = iota
	StatusEnabled
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusEnabled:
		return "Enabled"
	default:
		return "Unknown"
	}
}

// Rule is a named filter: a topic pattern, an optional condition and the
// fields to report when both accept a message.
type Rule struct {
	Name         string
	SQL          string
	SelectFields []string
	FromTopic    string
	Where        Condition
	Actions      []string
	Enabled      bool
}

// New parses sql into an enabled rule.
func New(name, sql string) (*Rule, error) {
	return NewWithParser(name, sql, DefaultParser)
}

// NewWithParser parses sql with p into an enabled rule.
func NewWithParser(name, sql string, p Parser) (*Rule, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}
	q, err := p.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}
	return FromQuery(name, sql, q), nil
}

// FromQuery builds an enabled rule from an already compiled query.
func FromQuery(name, sql string, q *Query) *Rule {
	return &Rule{
		Name:         name,
		SQL:          sql,
		SelectFields: q.Select,
		FromTopic:    q.From,
		Where:        q.Where,
		Actions:      []string{},
		Enabled:      true,
	}
}

// Status returns the rule's current status.
func (r *Rule) Status() Status {
	if r.Enabled {
		return StatusEnabled
	}
	return StatusDisabled
}

// Matches reports whether m's topic matches the rule's filter and, when
// the rule has a condition, whether the condition holds. Messages without
// a topic never match.
func (r *Rule) Matches(m *message.Message) bool {
	if !r.matchesTopic(m.Topic()) {
		return false
	}
	if r.Where == nil {
		return true
	}
	return r.Where.Evaluate(m.Context())
}

func (r *Rule) matchesTopic(name string) bool {
	return name != "" && topic.Matches(name, r.FromTopic)
}

// Execute returns the selected fields of m. "*" selects the whole context.
// Fields missing from the message are reported as nil.
func (r *Rule) Execute(m *message.Message) Result {
	return r.execute(m.Context())
}

func (r *Rule) execute(ctx map[string]any) Result {
	if r.selectsAll() {
		out := make(Result, 0, len(message.ContextKeys))
		for _, key := range message.ContextKeys {
			if v, ok := ctx[key]; ok {
				out = append(out, Field{Key: key, Value: v})
			}
		}
		return out
	}

	out := make(Result, 0, len(r.SelectFields))
	for _, path := range r.SelectFields {
		v, _ := jsonpath.Field(ctx, path)
		out = append(out, Field{Key: path, Value: v})
	}
	return out
}

func (r *Rule) selectsAll() bool {
	return len(r.SelectFields) == 1 && r.SelectFields[0] == SelectAll
}

// Describe renders a one-line listing of the rule.
func (r *Rule) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] SELECT %s FROM %s", r.Name, r.Status(), strings.Join(r.SelectFields, ", "), quote(r.FromTopic))
	if r.Where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(r.Where.String())
	}
	return b.String()
}

// Record returns the serializable form of the rule.
func (r *Rule) Record() Record {
	return Record{Name: r.Name, SQL: r.SQL, Enabled: r.Enabled}
}
