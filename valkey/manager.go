package valkey

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"mqttlens/config"
	"mqttlens/logging"
	"mqttlens/rule"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	namespace  string
	logger     zerolog.Logger
	tracer     *logging.Tracer
	mu         sync.RWMutex
}

// NewManager creates a new Valkey manager. Keys are prefixed with namespace.
func NewManager(namespace string, logger zerolog.Logger, tracer *logging.Tracer) *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
		namespace:  namespace,
		logger:     logger.With().Str("component", "valkey").Logger(),
		tracer:     tracer,
	}
}

// Name identifies the sink in logs.
func (m *Manager) Name() string { return "valkey" }

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for _, cfg := range configs {
		m.Add(cfg)
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg config.ValkeyConfig) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, m.namespace, m.logger, m.tracer)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.Name() == name {
			pubToStop = pub
			m.publishers = slices.Delete(m.publishers, i, i+1)
			break
		}
	}
	m.mu.Unlock()

	// Stop outside the lock.
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.Name() == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.publishers)
}

// StartAll starts all enabled publishers and returns how many connected.
func (m *Manager) StartAll(ctx context.Context) int {
	started := 0
	for _, pub := range m.List() {
		if !pub.Enabled() {
			continue
		}
		if err := pub.Start(ctx); err != nil {
			m.logger.Warn().Err(err).Str("server", pub.Name()).Msg("failed to start Valkey publisher")
			continue
		}
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Forward writes match to every running publisher. Errors are logged.
func (m *Manager) Forward(match *rule.Match) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.PublishMatch(context.Background(), match); err != nil {
			m.logger.Warn().Err(err).Str("server", pub.Name()).Str("rule", match.Rule).Msg("Valkey publish error")
		}
	}
}
