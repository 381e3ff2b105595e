package stepper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttlens/message"
)

func msg(topic string, body any, qos byte, retain bool) *message.Message {
	return message.Publish(topic, body, qos, retain, nil, time.Time{})
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "Disabled", StatusDisabled.String())
	assert.Equal(t, "Armed", StatusArmed.String())
	assert.Equal(t, "Paused", StatusPaused.String())
	assert.Equal(t, "Unknown", Status(9).String())
}

func TestState_Transitions(t *testing.T) {
	s := New()
	assert.Equal(t, StatusDisabled, s.Status())
	assert.False(t, s.Check(msg("a", "x", 0, false)), "disabled never pauses")
	assert.ErrorIs(t, s.Next(), ErrNotPaused)

	s.SetEnabled(true)
	assert.Equal(t, StatusArmed, s.Status())
	assert.ErrorIs(t, s.Next(), ErrNotPaused)

	first := msg("a", "1", 0, false)
	assert.True(t, s.Check(first))
	assert.Equal(t, StatusPaused, s.Status())
	assert.True(t, s.Waiting())
	assert.Same(t, first, s.Current())

	assert.False(t, s.Check(msg("a", "2", 0, false)), "already paused")
	assert.Same(t, first, s.Current())

	require.NoError(t, s.Next())
	assert.Equal(t, StatusArmed, s.Status())
	assert.Nil(t, s.Current())

	assert.True(t, s.Check(msg("a", "3", 0, false)))
	s.SetEnabled(true)
	assert.Equal(t, StatusArmed, s.Status(), "re-enabling releases the held message")
	assert.Nil(t, s.Current())

	assert.True(t, s.Check(msg("a", "4", 0, false)))
	s.SetEnabled(false)
	assert.Equal(t, StatusDisabled, s.Status())
	assert.False(t, s.Waiting())
	assert.Nil(t, s.Current())
}

func TestState_Breakpoints(t *testing.T) {
	s := New()
	require.NoError(t, s.AddBreakpoint("topic", "sensors/*/temp"))
	require.NoError(t, s.AddBreakpoint("QOS", "2"))
	s.SetEnabled(true)

	assert.False(t, s.Check(msg("actuators/x", "1", 0, false)))
	assert.True(t, s.Check(msg("sensors/room1/temp", "1", 0, false)))
	require.NoError(t, s.Next())
	assert.True(t, s.Check(msg("other", "1", 2, false)))
	require.NoError(t, s.Next())

	assert.Equal(t, []Breakpoint{
		{Field: FieldTopic, Pattern: "sensors/*/temp"},
		{Field: FieldQoS, Pattern: "2"},
	}, s.Breakpoints())

	assert.True(t, s.RemoveBreakpoint("qos"))
	assert.False(t, s.RemoveBreakpoint("qos"))
	assert.False(t, s.RemoveBreakpoint("color"))
	assert.False(t, s.Check(msg("other", "1", 2, false)))

	s.ClearBreakpoints()
	assert.Empty(t, s.Breakpoints())
	assert.True(t, s.Check(msg("other", "1", 0, false)), "no breakpoints pauses on every message")
}

func TestState_PayloadAndRetainBreakpoints(t *testing.T) {
	s := New()
	require.NoError(t, s.AddBreakpoint("payload", `*"alarm":true*`))
	s.SetEnabled(true)
	assert.False(t, s.Check(msg("a", map[string]any{"alarm": false}, 0, false)))
	assert.True(t, s.Check(msg("a", `{"alarm":true}`, 0, false)))

	s = New()
	require.NoError(t, s.AddBreakpoint("retain", "true"))
	s.SetEnabled(true)
	assert.False(t, s.Check(msg("a", "x", 0, false)))
	assert.True(t, s.Check(msg("a", "x", 0, true)))
}

func TestState_QoSBreakpointRendersRawValue(t *testing.T) {
	s := New()
	require.NoError(t, s.AddBreakpoint("qos", "1"))
	s.SetEnabled(true)
	frac := message.New(message.TypePublish, map[string]any{"topic": "a", "qos": 1.5}, nil, "", time.Time{})
	assert.False(t, s.Check(frac))
	assert.Equal(t, "1.5", FieldQoS.Value(frac))

	word := message.New(message.TypePublish, map[string]any{"topic": "a", "qos": "high"}, nil, "", time.Time{})
	assert.Equal(t, "high", FieldQoS.Value(word))
}

func TestState_AddBreakpointRejectsUnknownField(t *testing.T) {
	s := New()
	err := s.AddBreakpoint("color", "red")
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.Empty(t, s.Breakpoints())
}

func TestParseBreakpoint(t *testing.T) {
	bp, err := ParseBreakpoint("topic:home/+:x")
	require.NoError(t, err)
	assert.Equal(t, Breakpoint{Field: FieldTopic, Pattern: "home/+:x"}, bp)
	assert.Equal(t, "topic:home/+:x", bp.String())

	_, err = ParseBreakpoint("topic")
	assert.Error(t, err)

	_, err = ParseBreakpoint("size:10")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestGlob(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "", true},
		{"*", "a/b/c", true},
		{"a/*", "a/b/c", true},
		{"a/?", "a/b", true},
		{"a/?", "a/bc", false},
		{"*/temp", "sensors/room1/temp", true},
		{"*temp*", "x-temp-y", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"", "", true},
		{"", "a", false},
		{"?", "é", true},
		{"**", "anything", true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Glob(tc.pattern, tc.s), "Glob(%q, %q)", tc.pattern, tc.s)
	}
}
