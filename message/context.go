package message

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ContextKeys lists the top-level keys of a flattened context in the order
// they are rendered.
var ContextKeys = []string{
	"type",
	"topic",
	"qos",
	"retain",
	"direction",
	"latency",
	"source",
	"timestamp",
	"payload",
	"metadata",
}

// Context flattens the message into the path-addressable structure rule
// expressions are evaluated against. "payload" is the application body, so
// "payload.temp" addresses a field of the published JSON document.
func (m *Message) Context() map[string]any {
	ctx := map[string]any{
		"type":      m.Type.String(),
		"qos":       m.contextQoS(),
		"retain":    m.Retain(),
		"source":    m.Source,
		"timestamp": m.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":   m.Body(),
		"metadata":  m.Metadata,
	}
	if t := m.Topic(); t != "" {
		ctx["topic"] = t
	}
	if d := m.Direction(); d != "" {
		ctx["direction"] = d
	}
	if l, ok := m.Latency(); ok {
		ctx["latency"] = l
	}
	return ctx
}

// contextQoS is the delivery level, or the raw qos value when it is not a
// valid level.
func (m *Message) contextQoS() any {
	if q := m.QoS(); q >= 0 {
		return q
	}
	v, _ := m.RawQoS()
	return v
}

// Number converts v to float64 when it is a Go numeric type or a string
// holding a number. Booleans, arrays and objects are never numeric.
func Number(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}
