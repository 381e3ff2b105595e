package kafka

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mqttlens/config"
	"mqttlens/logging"
	"mqttlens/rule"
)

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	match    *rule.Match
}

// Manager fans rule matches out to every connected Kafka cluster through a
// bounded worker pool.
type Manager struct {
	producers map[string]*Producer
	logger    zerolog.Logger
	mu        sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
	dropped      atomic.Uint64
}

// NewManager creates a manager and starts its publish workers.
func NewManager(logger zerolog.Logger) *Manager {
	m := &Manager{
		producers:    make(map[string]*Producer),
		logger:       logger.With().Str("component", "kafka").Logger(),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

// Name identifies the sink in logs.
func (m *Manager) Name() string { return "kafka" }

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	queue, stop := m.publishQueue, m.stopChan
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(queue, stop)
	}
}

func (m *Manager) publishWorker(queue <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.SendMatch(ctx, job.match); err != nil {
				m.logger.Warn().Err(err).Str("cluster", job.producer.Name()).Str("rule", job.match.Rule).Msg("failed to publish match")
			}
			cancel()
		}
	}
}

// AddCluster registers a cluster. An existing cluster with the same name
// is kept.
func (m *Manager) AddCluster(cfg config.KafkaConfig, tracer *logging.Tracer) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, exists := m.producers[cfg.Name]; exists {
		return p
	}
	p := NewProducer(cfg, m.logger, tracer)
	m.producers[cfg.Name] = p
	return p
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	delete(m.producers, name)
	m.mu.Unlock()

	if exists {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Connect connects to the named Kafka cluster.
func (m *Manager) Connect(ctx context.Context, name string) error {
	p := m.GetProducer(name)
	if p == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return p.Connect(ctx)
}

// ConnectEnabled connects every enabled cluster in the background.
func (m *Manager) ConnectEnabled(ctx context.Context) {
	for _, p := range m.snapshot() {
		if p.Enabled() {
			go p.Connect(ctx)
		}
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	p := m.GetProducer(name)
	if p == nil {
		return StatusDisconnected, fmt.Errorf("kafka cluster not found: %s", name)
	}
	return p.GetStatus(), p.GetError()
}

// LoadFromConfigs registers every configured cluster.
func (m *Manager) LoadFromConfigs(configs []config.KafkaConfig, tracer *logging.Tracer) {
	for _, cfg := range configs {
		m.AddCluster(cfg, tracer)
	}
}

// AnyPublishing reports whether any cluster is connected.
func (m *Manager) AnyPublishing() bool {
	for _, p := range m.snapshot() {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// Dropped returns how many jobs were discarded because the queue was full.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }

// Forward queues match for every connected cluster. It never blocks; a
// full queue drops the job.
func (m *Manager) Forward(match *rule.Match) {
	m.mu.RLock()
	started, queue := m.started, m.publishQueue
	m.mu.RUnlock()
	if !started {
		return
	}

	for _, p := range m.snapshot() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		select {
		case queue <- publishJob{producer: p, match: match}:
		default:
			m.dropped.Add(1)
			m.logger.Warn().Str("cluster", p.Name()).Str("rule", match.Rule).Msg("publish queue full, dropping match")
		}
	}
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	oldStopChan := m.stopChan
	if wasStarted {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if wasStarted {
		close(oldStopChan)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			m.logger.Warn().Msg("timeout waiting for publish workers to stop")
		}
	}

	for _, p := range m.snapshot() {
		p.Disconnect()
	}
}

func (m *Manager) snapshot() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	return producers
}
