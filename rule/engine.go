package rule

import (
	"errors"
	"fmt"

	"mqttlens/message"
)

var (
	// ErrRuleNotFound is returned when a named rule does not exist.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrEmptyName is returned for a rule without a name.
	ErrEmptyName = errors.New("rule name is empty")
)

// Record is the plain serializable form of a rule.
type Record struct {
	Name    string `yaml:"name" json:"name"`
	SQL     string `yaml:"sql" json:"sql"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// Engine holds rules by name and lists them in insertion order. It is not
// safe for concurrent use; the owning session serializes access.
type Engine struct {
	rules map[string]*Rule
	order []string
}

// NewEngine creates an empty rule engine.
func NewEngine() *Engine {
	return &Engine{rules: make(map[string]*Rule)}
}

// Add inserts r, replacing any rule with the same name. A replaced rule
// keeps its position in the listing.
func (e *Engine) Add(r *Rule) {
	if _, exists := e.rules[r.Name]; !exists {
		e.order = append(e.order, r.Name)
	}
	e.rules[r.Name] = r
}

// Remove deletes the named rule and reports whether it existed.
func (e *Engine) Remove(name string) bool {
	if _, exists := e.rules[name]; !exists {
		return false
	}
	delete(e.rules, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// Enable turns the named rule on. It returns false if the name is unknown.
func (e *Engine) Enable(name string) bool {
	return e.setEnabled(name, true)
}

// Disable turns the named rule off. It returns false if the name is unknown.
func (e *Engine) Disable(name string) bool {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) bool {
	r, exists := e.rules[name]
	if !exists {
		return false
	}
	r.Enabled = enabled
	return true
}

// Get returns the named rule or nil.
func (e *Engine) Get(name string) *Rule {
	return e.rules[name]
}

// All returns every rule in insertion order.
func (e *Engine) All() []*Rule {
	out := make([]*Rule, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.rules[name])
	}
	return out
}

// Len returns the number of rules.
func (e *Engine) Len() int {
	return len(e.order)
}

// Clear removes every rule.
func (e *Engine) Clear() {
	e.rules = make(map[string]*Rule)
	e.order = nil
}

// Export returns the (name, sql, enabled) record of every rule in insertion
// order.
func (e *Engine) Export() []Record {
	out := make([]Record, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.rules[name].Record())
	}
	return out
}

// Import parses every record with p and adds the results. If any record
// fails, nothing is added and the first error is returned.
func (e *Engine) Import(records []Record, p Parser) error {
	if p == nil {
		p = DefaultParser
	}
	parsed := make([]*Rule, 0, len(records))
	for i, rec := range records {
		r, err := NewWithParser(rec.Name, rec.SQL, p)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		r.Enabled = rec.Enabled
		parsed = append(parsed, r)
	}
	for _, r := range parsed {
		e.Add(r)
	}
	return nil
}

// Evaluate runs every enabled rule against m and returns a match for each
// rule that accepts it, in rule order.
func (e *Engine) Evaluate(m *message.Message) []*Match {
	var (
		matches []*Match
		ctx     map[string]any
	)
	t := m.Topic()
	if t == "" {
		return nil
	}
	for _, name := range e.order {
		r := e.rules[name]
		if !r.Enabled || !r.matchesTopic(t) {
			continue
		}
		if ctx == nil {
			ctx = m.Context()
		}
		if r.Where != nil && !r.Where.Evaluate(ctx) {
			continue
		}
		matches = append(matches, &Match{
			Rule:      r.Name,
			Topic:     t,
			Timestamp: formatTime(m),
			Data:      r.execute(ctx),
		})
	}
	return matches
}
