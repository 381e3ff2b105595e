package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttlens/config"
	"mqttlens/history"
	"mqttlens/message"
	"mqttlens/rule"
	"mqttlens/stepper"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	matches []*rule.Match
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Forward(m *rule.Match) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, m)
}

func (r *recordingSink) got() []*rule.Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*rule.Match(nil), r.matches...)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.History.Capacity = 5
	return cfg
}

func newSession(t *testing.T, cfg *config.Config, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s
}

func publish(topic string, body any, latency float64) *message.Message {
	meta := map[string]any{message.MetaDirection: message.DirectionIncoming, message.MetaLatency: latency}
	return message.Publish(topic, body, 1, false, meta, t0)
}

func TestNew_FromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Rules = []config.RuleConfig{
		{Name: "hot", SQL: "SELECT payload.temp FROM 'sensors/#' WHERE payload.temp > 30", Enabled: true},
		{Name: "all", SQL: "SELECT * FROM '#'", Enabled: false},
	}
	cfg.Breakpoints = []string{"topic:alerts/*"}
	cfg.StepMode = true

	s := newSession(t, cfg)
	assert.NotEmpty(t, s.ID())

	rules := s.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "hot", rules[0].Name)
	assert.Equal(t, "Enabled", rules[0].Status)
	assert.Equal(t, "Disabled", rules[1].Status)

	step := s.StepStatus()
	assert.Equal(t, "Armed", step.Status)
	assert.Equal(t, []string{"topic:alerts/*"}, s.BreakpointSpecs())
	assert.Equal(t, 5, s.History().Cap)
}

func TestNew_BadRuleIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Rules = []config.RuleConfig{
		{Name: "ok", SQL: "SELECT * FROM 'a'", Enabled: true},
		{Name: "bad", SQL: "SELECT FROM", Enabled: true},
	}
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, rule.IsParseError(err))

	cfg = testConfig()
	cfg.Breakpoints = []string{"colour:red"}
	_, err = New(cfg)
	assert.ErrorIs(t, err, stepper.ErrUnknownField)
}

func TestIngest(t *testing.T) {
	sink := &recordingSink{}
	s := newSession(t, testConfig(), WithSink(sink))
	_, err := s.AddRule("hot", "SELECT payload.temp FROM 'sensors/+' WHERE payload.temp > 30")
	require.NoError(t, err)

	var events []Event
	unsubscribe := s.Subscribe(func(ev Event) { events = append(events, ev) })

	out := s.Ingest(publish("sensors/room1", map[string]any{"temp": 35.0}, 12))
	assert.Equal(t, uint64(1), out.ID)
	assert.False(t, out.Paused)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, uint64(1), out.Matches[0].MessageID)
	assert.Equal(t, "hot", out.Matches[0].Rule)
	assert.Equal(t, rule.Result{{Key: "payload.temp", Value: 35.0}}, out.Matches[0].Data)

	out = s.Ingest(publish("sensors/room2", map[string]any{"temp": 20.0}, 8))
	assert.Equal(t, uint64(2), out.ID)
	assert.Empty(t, out.Matches)

	require.Len(t, sink.got(), 1)
	require.Len(t, events, 3)
	assert.Equal(t, EventMessage, events[0].Kind)
	assert.Equal(t, EventMatch, events[1].Kind)
	assert.Equal(t, EventMessage, events[2].Kind)

	unsubscribe()
	s.Ingest(publish("sensors/room3", map[string]any{"temp": 40.0}, 5))
	assert.Len(t, events, 3)
	assert.Len(t, sink.got(), 2)

	snap := s.Stats()
	assert.Equal(t, uint64(3), snap.Counters.Total)
	assert.Equal(t, uint64(3), snap.Counters.Incoming)
	assert.Equal(t, 3, snap.Latency.Count)
	assert.Equal(t, 3, snap.Topics)
	assert.Len(t, s.TopTopics(2), 2)
	assert.Equal(t, 12.0, s.Percentile(100))

	var total int
	for _, b := range s.Histogram() {
		total += b.Count
	}
	assert.Equal(t, 3, total)

	s.ResetStats()
	assert.Equal(t, uint64(0), s.Stats().Counters.Total)
}

func TestHistoryAccess(t *testing.T) {
	s := newSession(t, testConfig())
	for i := 1; i <= 7; i++ {
		s.Ingest(publish("t", map[string]any{"n": float64(i), "items": []any{map[string]any{"v": float64(i * 10)}}}, 1))
	}

	_, ok := s.Get(2)
	assert.False(t, ok, "id 2 should have been evicted")
	e, ok := s.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.ID)

	last := s.Last(2)
	require.Len(t, last, 2)
	assert.Equal(t, []uint64{6, 7}, []uint64{last[0].ID, last[1].ID})

	e, err := s.Resolve("-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), e.ID)

	_, err = s.Resolve("1")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_, err = s.Resolve("abc")
	assert.ErrorIs(t, err, history.ErrBadReference)

	v, ok, err := s.Extract("7", "$.items[0].v")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 70.0, v)

	_, ok, err = s.Extract("7", "$.missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Extract("7", "items")
	assert.Error(t, err)

	s.ClearHistory()
	assert.Equal(t, 0, s.History().Len)
	assert.Equal(t, uint64(8), s.Ingest(publish("t", "x", 1)).ID)
}

func TestRuleCRUD(t *testing.T) {
	s := newSession(t, testConfig())

	_, err := s.AddRule("", "SELECT * FROM 'a'")
	assert.ErrorIs(t, err, rule.ErrEmptyName)
	_, err = s.AddRule("bad", "SELECT * FROM 'a/#/b'")
	assert.True(t, rule.IsParseError(err))

	info, err := s.AddRule("r1", "SELECT * FROM 'a/+'")
	require.NoError(t, err)
	assert.True(t, info.Enabled)
	assert.Equal(t, "a/+", info.From)

	require.NoError(t, s.SetRuleEnabled("r1", false))
	got, err := s.Rule("r1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Empty(t, s.Ingest(publish("a/b", "x", 1)).Matches)

	assert.ErrorIs(t, s.SetRuleEnabled("nope", true), rule.ErrRuleNotFound)
	assert.ErrorIs(t, s.RemoveRule("nope"), rule.ErrRuleNotFound)
	_, err = s.Rule("nope")
	assert.ErrorIs(t, err, rule.ErrRuleNotFound)

	exported := s.ExportRules()
	require.Len(t, exported, 1)

	s.ClearRules()
	assert.Empty(t, s.Rules())

	err = s.ImportRules([]rule.Record{
		{Name: "x", SQL: "SELECT * FROM 'x'", Enabled: true},
		{Name: "y", SQL: "SELECT", Enabled: true},
	})
	assert.Error(t, err)
	assert.Empty(t, s.Rules(), "import must be all or nothing")

	require.NoError(t, s.ImportRules(exported))
	require.NoError(t, s.RemoveRule("r1"))
	assert.Empty(t, s.Rules())
}

func TestSaveLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")

	s := newSession(t, testConfig())
	_, err := s.AddRule("hot", "SELECT payload.temp FROM 'sensors/#' WHERE payload.temp > 30")
	require.NoError(t, err)
	require.NoError(t, s.SetRuleEnabled("hot", false))
	require.NoError(t, s.SaveRules(path))

	other := newSession(t, testConfig())
	require.NoError(t, other.LoadRules(path))
	assert.Equal(t, s.ExportRules(), other.ExportRules())

	assert.Error(t, other.LoadRules(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestStepping(t *testing.T) {
	s := newSession(t, testConfig())

	_, err := s.Next()
	assert.ErrorIs(t, err, stepper.ErrNotPaused)

	var steps []Event
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventStep {
			steps = append(steps, ev)
		}
	})

	require.NoError(t, s.AddBreakpoint("topic", "alerts/*"))
	info := s.SetStepMode(true)
	assert.Equal(t, "Armed", info.Status)

	assert.False(t, s.Ingest(publish("sensors/a", "x", 1)).Paused)
	out := s.Ingest(publish("alerts/fire", "x", 1))
	assert.True(t, out.Paused)

	info = s.StepStatus()
	assert.Equal(t, "Paused", info.Status)
	require.NotNil(t, info.Current)
	assert.Equal(t, out.ID, info.Current.ID)

	// Messages arriving while paused are still recorded.
	assert.False(t, s.Ingest(publish("alerts/smoke", "x", 1)).Paused)

	info, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "Armed", info.Status)
	assert.Nil(t, info.Current)

	assert.True(t, s.RemoveBreakpoint("topic"))
	assert.True(t, s.Ingest(publish("anything", "x", 1)).Paused, "no breakpoints pauses on every message")

	s.SetStepMode(false)
	assert.Equal(t, "Disabled", s.StepStatus().Status)
	assert.Len(t, steps, 3)

	require.NoError(t, s.AddBreakpoint("qos", "1"))
	s.ClearBreakpoints()
	assert.Empty(t, s.BreakpointSpecs())
}

func TestRun_WaitsWhilePaused(t *testing.T) {
	s := newSession(t, testConfig())
	s.SetStepMode(true)

	in := make(chan *message.Message, 4)
	in <- publish("a", "1", 1)
	in <- publish("b", "2", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, in) }()

	require.Eventually(t, func() bool { return s.StepStatus().Status == "Paused" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.History().Len, "second message must wait for Next")

	_, err := s.Next()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.History().Len == 2 }, time.Second, 5*time.Millisecond)

	s.SetStepMode(false)
	in <- publish("c", "3", 1)
	require.Eventually(t, func() bool { return s.History().Len == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
