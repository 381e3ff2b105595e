package rule

import (
	"encoding/json"
	"time"

	"mqttlens/message"
)

// Match is the record produced when a rule accepts a message. It is what the
// output sinks and the live feed carry.
type Match struct {
	Rule      string `json:"rule"`
	Topic     string `json:"topic,omitempty"`
	Timestamp string `json:"timestamp"`
	MessageID uint64 `json:"message_id,omitempty"`
	Data      Result `json:"data"`
}

// NewMatch executes r against m and wraps the selected fields.
func NewMatch(r *Rule, m *message.Message) *Match {
	return &Match{
		Rule:      r.Name,
		Topic:     m.Topic(),
		Timestamp: formatTime(m),
		Data:      r.Execute(m),
	}
}

func formatTime(m *message.Message) string {
	return m.Timestamp.UTC().Format(time.RFC3339Nano)
}

// ToJSON serializes the match to JSON bytes.
func (m *Match) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Key returns the rule name for Kafka partitioning.
func (m *Match) Key() []byte {
	return []byte(m.Rule)
}
