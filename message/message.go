// Package message defines the decoded MQTT event record shared by every
// inspection component.
package message

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Type identifies the kind of MQTT event a Message carries.
type Type int

const (
	TypeUnknown Type = iota
	TypePublish
	TypeSubscribe
	TypeUnsubscribe
	TypeDisconnect
	TypeError
	TypeData
)

func (t Type) String() string {
	switch t {
	case TypePublish:
		return "publish"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeDisconnect:
		return "disconnect"
	case TypeError:
		return "error"
	case TypeData:
		return "data"
	default:
		return "unknown"
	}
}

// ParseType converts an event tag into a Type. Unrecognised tags map to
// TypeUnknown.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "publish":
		return TypePublish
	case "subscribe":
		return TypeSubscribe
	case "unsubscribe":
		return TypeUnsubscribe
	case "disconnect":
		return TypeDisconnect
	case "error":
		return TypeError
	case "data":
		return TypeData
	default:
		return TypeUnknown
	}
}

// MarshalJSON renders the type as its tag.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses a type tag.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseType(s)
	return nil
}

// Metadata keys understood by the inspection components.
const (
	MetaDirection = "direction"
	MetaQoS       = "qos"
	MetaLatency   = "latency"
	MetaTopic     = "topic"
	MetaRetain    = "retain"
)

// Direction values carried in metadata.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message is an immutable MQTT event. It is created once at the ingestion
// boundary and shared by pointer; nothing may modify it afterwards.
type Message struct {
	Type      Type           `json:"type"`
	Payload   any            `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates a message stamped with ts.
func New(typ Type, payload any, metadata map[string]any, source string, ts time.Time) *Message {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Message{
		Type:      typ,
		Payload:   payload,
		Metadata:  metadata,
		Source:    source,
		Timestamp: ts,
	}
}

// Publish builds a publish event whose payload carries the topic, the
// application body and the delivery flags.
func Publish(topic string, body any, qos byte, retain bool, metadata map[string]any, ts time.Time) *Message {
	payload := map[string]any{
		"topic":   topic,
		"message": body,
		"qos":     int(qos),
		"retain":  retain,
	}
	return New(TypePublish, payload, metadata, "mqtt", ts)
}

// Event builds a non-publish event such as subscribe, disconnect or error.
func Event(typ Type, detail any, metadata map[string]any, ts time.Time) *Message {
	return New(typ, detail, metadata, "mqtt", ts)
}

// Topic returns the topic name carried by the message: payload.topic when
// it is a string, otherwise metadata.topic, otherwise "".
func (m *Message) Topic() string {
	if t := m.PayloadTopic(); t != "" {
		return t
	}
	if s, ok := m.Metadata[MetaTopic].(string); ok {
		return s
	}
	return ""
}

// PayloadTopic returns payload.topic when it is a string, ignoring metadata.
func (m *Message) PayloadTopic() string {
	if v, ok := m.payloadField("topic"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RawQoS returns the first qos value present, payload before metadata,
// without coercion.
func (m *Message) RawQoS() (any, bool) {
	if v, ok := m.payloadField("qos"); ok {
		return v, true
	}
	v, ok := m.Metadata[MetaQoS]
	return v, ok
}

// QoSValue numeric-coerces the first qos value present. An absent qos is
// 0. The boolean is false when the present value is not numeric; later
// sources are not consulted in that case.
func (m *Message) QoSValue() (float64, bool) {
	v, ok := m.RawQoS()
	if !ok {
		return 0, true
	}
	return Number(v)
}

// QoS returns the delivery level 0, 1 or 2, or -1 when the qos value is
// not one of those whole numbers.
func (m *Message) QoS() int {
	n, ok := m.QoSValue()
	if !ok || n != math.Trunc(n) || n < 0 || n > 2 {
		return -1
	}
	return int(n)
}

// HasQoS reports whether payload or metadata carries a qos value.
func (m *Message) HasQoS() bool {
	if _, ok := m.payloadField("qos"); ok {
		return true
	}
	_, ok := m.Metadata[MetaQoS]
	return ok
}

// Retain returns the retain flag from payload or metadata.
func (m *Message) Retain() bool {
	if v, ok := m.payloadField("retain"); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	b, _ := m.Metadata[MetaRetain].(bool)
	return b
}

// Direction returns the metadata direction tag, or "".
func (m *Message) Direction() string {
	s, _ := m.Metadata[MetaDirection].(string)
	return s
}

// Latency returns metadata.latency in milliseconds when it is numeric.
func (m *Message) Latency() (float64, bool) {
	v, ok := m.Metadata[MetaLatency]
	if !ok {
		return 0, false
	}
	return Number(v)
}

// Body returns the application payload. Publish events nest it under
// payload.message; a string body holding JSON is decoded.
func (m *Message) Body() any {
	body := m.Payload
	if p, ok := m.Payload.(map[string]any); ok {
		if inner, ok := p["message"]; ok {
			body = inner
		}
	}
	return decodeJSON(body)
}

func (m *Message) payloadField(name string) (any, bool) {
	p, ok := m.Payload.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := p[name]
	return v, ok
}

// decodeJSON parses string and []byte bodies that hold a JSON object or
// array. Anything else is returned unchanged.
func decodeJSON(v any) any {
	var raw []byte
	switch b := v.(type) {
	case string:
		raw = []byte(b)
	case []byte:
		raw = b
	default:
		return v
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		if s, ok := v.([]byte); ok {
			return string(s)
		}
		return v
	}

	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		if s, ok := v.([]byte); ok {
			return string(s)
		}
		return v
	}
	return out
}
