package session

import (
	"mqttlens/history"
	"mqttlens/stepper"
)

// StepInfo is the API view of the step-through state.
type StepInfo struct {
	Status      string               `json:"status"`
	Enabled     bool                 `json:"enabled"`
	Current     *history.Entry       `json:"current,omitempty"`
	Breakpoints []stepper.Breakpoint `json:"breakpoints"`
}

// StepStatus returns the stepper state and the held message, if any.
func (s *Session) StepStatus() StepInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepInfoLocked()
}

func (s *Session) stepInfoLocked() StepInfo {
	info := StepInfo{
		Status:      s.stepper.Status().String(),
		Enabled:     s.stepper.Enabled(),
		Breakpoints: s.stepper.Breakpoints(),
	}
	if m := s.stepper.Current(); m != nil {
		info.Current = &history.Entry{ID: s.pausedID, Message: m}
	}
	return info
}

// SetStepMode arms or disables stepping. Either way a held message is
// released.
func (s *Session) SetStepMode(enabled bool) StepInfo {
	s.mu.Lock()
	s.stepper.SetEnabled(enabled)
	info := s.stepInfoLocked()
	s.mu.Unlock()

	s.signalResume()
	s.notify(Event{Kind: EventStep, Step: &info})
	return info
}

// Next releases the held message. It returns stepper.ErrNotPaused when
// nothing is held.
func (s *Session) Next() (StepInfo, error) {
	s.mu.Lock()
	err := s.stepper.Next()
	info := s.stepInfoLocked()
	s.mu.Unlock()
	if err != nil {
		return info, err
	}

	s.signalResume()
	s.notify(Event{Kind: EventStep, Step: &info})
	return info, nil
}

// AddBreakpoint sets the glob pattern for a field.
func (s *Session) AddBreakpoint(field, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepper.AddBreakpoint(field, pattern)
}

// RemoveBreakpoint deletes the breakpoint on field.
func (s *Session) RemoveBreakpoint(field string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepper.RemoveBreakpoint(field)
}

// ClearBreakpoints removes every breakpoint.
func (s *Session) ClearBreakpoints() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepper.ClearBreakpoints()
}

// BreakpointSpecs returns the breakpoints in field:pattern form.
func (s *Session) BreakpointSpecs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	bps := s.stepper.Breakpoints()
	out := make([]string, len(bps))
	for i, bp := range bps {
		out[i] = bp.String()
	}
	return out
}
