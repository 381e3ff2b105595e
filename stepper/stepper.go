// Package stepper implements step-through inspection: pausing the message
// stream on every message or on breakpoint hits until the operator
// advances.
package stepper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mqttlens/jsonpath"
	"mqttlens/message"
)

var (
	// ErrNotPaused is returned by Next when there is nothing to advance.
	ErrNotPaused = errors.New("not paused at a message")
	// ErrUnknownField is returned for breakpoints on unsupported fields.
	ErrUnknownField = errors.New("unknown breakpoint field")
)

// Status is the state of the step-through machine.
type Status int

const (
	StatusDisabled Status = iota
	StatusArmed           // Enabled, waiting for a message to pause on
	StatusPaused          // Holding a message until Next
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusArmed:
		return "Armed"
	case StatusPaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// Field names a message attribute a breakpoint can test.
type Field string

const (
	FieldTopic   Field = "topic"
	FieldPayload Field = "payload"
	FieldQoS     Field = "qos"
	FieldRetain  Field = "retain"
)

// Fields lists the breakpoint fields in display order.
var Fields = []Field{FieldTopic, FieldPayload, FieldQoS, FieldRetain}

// ParseField validates a breakpoint field name.
func ParseField(s string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Fields {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// Value renders the field of m as the string breakpoints match against.
func (f Field) Value(m *message.Message) string {
	switch f {
	case FieldTopic:
		return m.Topic()
	case FieldPayload:
		return jsonpath.FormatValue(m.Body())
	case FieldQoS:
		if n, ok := m.QoSValue(); ok {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		v, _ := m.RawQoS()
		return jsonpath.FormatValue(v)
	case FieldRetain:
		return strconv.FormatBool(m.Retain())
	default:
		return ""
	}
}

// Breakpoint pauses on messages whose field matches a glob pattern.
type Breakpoint struct {
	Field   Field  `json:"field"`
	Pattern string `json:"pattern"`
}

// ParseBreakpoint parses "field:pattern". The pattern may itself contain
// colons.
func ParseBreakpoint(text string) (Breakpoint, error) {
	name, pattern, ok := strings.Cut(text, ":")
	if !ok {
		return Breakpoint{}, fmt.Errorf("breakpoint %q: expected field:pattern", text)
	}
	f, err := ParseField(name)
	if err != nil {
		return Breakpoint{}, err
	}
	return Breakpoint{Field: f, Pattern: pattern}, nil
}

func (b Breakpoint) String() string {
	return string(b.Field) + ":" + b.Pattern
}

// Hit reports whether m triggers the breakpoint.
func (b Breakpoint) Hit(m *message.Message) bool {
	return Glob(b.Pattern, b.Field.Value(m))
}

// State is the step-through state machine. It is not safe for concurrent
// use.
type State struct {
	enabled     bool
	waiting     bool
	breakpoints map[Field]string
	current     *message.Message
}

// New creates a disabled state machine without breakpoints.
func New() *State {
	return &State{breakpoints: make(map[Field]string)}
}

// Status returns the current state.
func (s *State) Status() Status {
	switch {
	case !s.enabled:
		return StatusDisabled
	case s.waiting:
		return StatusPaused
	default:
		return StatusArmed
	}
}

// SetEnabled arms or disables stepping. Both directions release any held
// message.
func (s *State) SetEnabled(enabled bool) {
	s.enabled = enabled
	s.waiting = false
	s.current = nil
}

// Enabled reports whether stepping is on.
func (s *State) Enabled() bool { return s.enabled }

// Waiting reports whether a message is held.
func (s *State) Waiting() bool { return s.waiting }

// Current returns the held message, or nil.
func (s *State) Current() *message.Message { return s.current }

// Check offers m to the machine and reports whether it paused on it. While
// armed without breakpoints every message pauses; with breakpoints only a
// hit does. Messages arriving while paused or disabled pass through.
func (s *State) Check(m *message.Message) bool {
	if s.Status() != StatusArmed || !s.shouldPause(m) {
		return false
	}
	s.waiting = true
	s.current = m
	return true
}

func (s *State) shouldPause(m *message.Message) bool {
	if len(s.breakpoints) == 0 {
		return true
	}
	for _, f := range Fields {
		pattern, ok := s.breakpoints[f]
		if ok && Glob(pattern, f.Value(m)) {
			return true
		}
	}
	return false
}

// Next releases the held message and re-arms. It returns ErrNotPaused when
// nothing is held.
func (s *State) Next() error {
	if s.Status() != StatusPaused {
		return ErrNotPaused
	}
	s.waiting = false
	s.current = nil
	return nil
}

// AddBreakpoint sets the pattern for field, replacing any previous one.
func (s *State) AddBreakpoint(field, pattern string) error {
	f, err := ParseField(field)
	if err != nil {
		return err
	}
	s.breakpoints[f] = pattern
	return nil
}

// RemoveBreakpoint deletes the breakpoint on field and reports whether one
// existed.
func (s *State) RemoveBreakpoint(field string) bool {
	f, err := ParseField(field)
	if err != nil {
		return false
	}
	if _, ok := s.breakpoints[f]; !ok {
		return false
	}
	delete(s.breakpoints, f)
	return true
}

// ClearBreakpoints removes every breakpoint.
func (s *State) ClearBreakpoints() {
	clear(s.breakpoints)
}

// Breakpoints returns the active breakpoints in field order.
func (s *State) Breakpoints() []Breakpoint {
	out := make([]Breakpoint, 0, len(s.breakpoints))
	for _, f := range Fields {
		if p, ok := s.breakpoints[f]; ok {
			out = append(out, Breakpoint{Field: f, Pattern: p})
		}
	}
	return out
}
