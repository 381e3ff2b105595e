package session

import (
	"mqttlens/message"
	"mqttlens/rule"
)

// Event kinds delivered to listeners.
const (
	EventMessage = "message"
	EventMatch   = "match"
	EventStep    = "step"
)

// Event is one item of the live feed.
type Event struct {
	Kind    string           `json:"kind"`
	ID      uint64           `json:"id,omitempty"`
	Paused  bool             `json:"paused,omitempty"`
	Message *message.Message `json:"message,omitempty"`
	Match   *rule.Match      `json:"match,omitempty"`
	Step    *StepInfo        `json:"step,omitempty"`
}

// Listener receives live feed events. It is called synchronously on the
// ingest path and must not block.
type Listener func(Event)

// Subscribe registers l and returns a function that removes it.
func (s *Session) Subscribe(l Listener) (unsubscribe func()) {
	s.listenerMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Session) notify(ev Event) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, l := range s.listeners {
		l(ev)
	}
}
