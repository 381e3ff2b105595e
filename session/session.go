// Package session wires the inspection components into one ingest
// pipeline shared by the entry point and the HTTP API.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mqttlens/config"
	"mqttlens/history"
	"mqttlens/jsonpath"
	"mqttlens/message"
	"mqttlens/rule"
	"mqttlens/stats"
	"mqttlens/stepper"
)

// ErrMessageNotFound is returned when a history reference names a message
// that was never recorded or has been evicted.
var ErrMessageNotFound = errors.New("message not found")

// Sink receives every rule match. Forward must not block for long; it is
// called on the ingest path.
type Sink interface {
	Name() string
	Forward(m *rule.Match)
}

// Outcome reports what Ingest did with a message.
type Outcome struct {
	ID      uint64        `json:"id"`
	Paused  bool          `json:"paused"`
	Matches []*rule.Match `json:"matches,omitempty"`
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the clock used by the stats collector.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l.With().Str("component", "session").Logger() }
}

// WithParser overrides the rule statement parser.
func WithParser(p rule.Parser) Option {
	return func(s *Session) { s.parser = p }
}

// WithSink adds an output sink for rule matches.
func WithSink(sink Sink) Option {
	return func(s *Session) { s.sinks = append(s.sinks, sink) }
}

// Session owns one instance of every inspection component. All access goes
// through its mutex; sinks and listeners run outside it.
type Session struct {
	id     string
	logger zerolog.Logger
	now    func() time.Time
	parser rule.Parser
	sinks  []Sink

	mu       sync.Mutex
	stats    *stats.Collector
	history  *history.History
	stepper  *stepper.State
	rules    *rule.Engine
	pausedID uint64

	// resume is signalled by Next and by disabling step mode.
	resume chan struct{}

	listenerMu   sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

// New builds a session from cfg. Configured rules are imported all or
// nothing and configured breakpoints are installed.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	s := &Session{
		id:        uuid.NewString(),
		logger:    zerolog.Nop(),
		now:       time.Now,
		parser:    rule.DefaultParser,
		history:   history.New(cfg.History.Capacity),
		stepper:   stepper.New(),
		rules:     rule.NewEngine(),
		resume:    make(chan struct{}, 1),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stats = stats.NewCollector(stats.Options{
		LatencyWindowSize: cfg.Stats.LatencyWindow,
		RateWindow:        cfg.Stats.RateWindow,
		Now:               s.now,
	})

	if err := s.rules.Import(RecordsFromConfig(cfg.Rules), s.parser); err != nil {
		return nil, fmt.Errorf("session: import rules: %w", err)
	}
	for _, text := range cfg.Breakpoints {
		bp, err := stepper.ParseBreakpoint(text)
		if err != nil {
			return nil, fmt.Errorf("session: breakpoint %q: %w", text, err)
		}
		if err := s.stepper.AddBreakpoint(string(bp.Field), bp.Pattern); err != nil {
			return nil, fmt.Errorf("session: breakpoint %q: %w", text, err)
		}
	}
	s.stepper.SetEnabled(cfg.StepMode)

	s.logger.Info().Str("session", s.id).Int("rules", s.rules.Len()).Int("breakpoints", len(cfg.Breakpoints)).Msg("session created")
	return s, nil
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// Ingest records m in stats and history, offers it to the stepper and
// evaluates the rules against it. Matches carry the history id of m and are
// forwarded to sinks and listeners after the lock is released.
func (s *Session) Ingest(m *message.Message) Outcome {
	s.mu.Lock()
	s.stats.Record(m)
	id := s.history.Add(m)
	paused := s.stepper.Check(m)
	if paused {
		s.pausedID = id
	}
	matches := s.rules.Evaluate(m)
	for _, mt := range matches {
		mt.MessageID = id
	}
	s.mu.Unlock()

	if paused {
		s.logger.Debug().Uint64("id", id).Str("topic", m.Topic()).Msg("paused")
	}
	for _, mt := range matches {
		for _, sink := range s.sinks {
			sink.Forward(mt)
		}
	}
	s.notify(Event{Kind: EventMessage, ID: id, Message: m, Paused: paused})
	for _, mt := range matches {
		s.notify(Event{Kind: EventMatch, ID: id, Match: mt})
	}
	return Outcome{ID: id, Paused: paused, Matches: matches}
}

// Run ingests messages from in until ctx is cancelled. After a message
// pauses the stepper, Run takes nothing more from in until Next is called
// or step mode is disabled.
func (s *Session) Run(ctx context.Context, in <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-in:
			if m == nil {
				continue
			}
			if out := s.Ingest(m); !out.Paused {
				continue
			}
			if err := s.waitResume(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Session) waitResume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resume:
			if s.StepStatus().Status != stepper.StatusPaused.String() {
				return nil
			}
		}
	}
}

func (s *Session) signalResume() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// Get returns the retained message with the given id.
func (s *Session) Get(id uint64) (history.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Get(id)
}

// Last returns up to n of the newest messages, oldest first.
func (s *Session) Last(n int) []history.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Last(n)
}

// Resolve looks a message up by absolute ("42") or relative ("-1") reference.
func (s *Session) Resolve(ref string) (history.Entry, error) {
	s.mu.Lock()
	e, found, err := s.history.Resolve(ref)
	s.mu.Unlock()
	if err != nil {
		return history.Entry{}, err
	}
	if !found {
		return history.Entry{}, fmt.Errorf("%w: %s", ErrMessageNotFound, ref)
	}
	return e, nil
}

// Extract applies a JSON path to the body of the referenced message. The
// boolean is false when the path selects nothing.
func (s *Session) Extract(ref, path string) (any, bool, error) {
	if !jsonpath.IsValidPath(path) {
		return nil, false, fmt.Errorf("invalid JSON path %q", path)
	}
	e, err := s.Resolve(ref)
	if err != nil {
		return nil, false, err
	}
	v, ok := jsonpath.Extract(e.Message.Body(), path)
	return v, ok, nil
}

// HistoryInfo describes the history buffer.
type HistoryInfo struct {
	Len    int    `json:"len"`
	Cap    int    `json:"cap"`
	NextID uint64 `json:"next_id"`
}

// History returns the history buffer occupancy.
func (s *Session) History() HistoryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return HistoryInfo{Len: s.history.Len(), Cap: s.history.Cap(), NextID: s.history.NextID()}
}

// ClearHistory drops every retained message. Ids are not reused.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Clear()
}

// Stats returns a snapshot of the collector.
func (s *Session) Stats() stats.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Snapshot()
}

// Histogram returns the latency histogram.
func (s *Session) Histogram() []stats.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.LatencyHistogram()
}

// Percentile returns the p-th latency percentile over the retained window.
func (s *Session) Percentile(p float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.LatencyPercentile(p)
}

// TopTopics returns the busiest topics; limit <= 0 returns all.
func (s *Session) TopTopics(limit int) []stats.TopicCount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.TopTopics(limit)
}

// ResetStats clears every statistic.
func (s *Session) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Reset()
}
