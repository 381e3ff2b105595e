package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"mqttlens/config"
	"mqttlens/logging"
	"mqttlens/rule"
)

// ErrNotConnected is returned when producing before Connect succeeded.
var ErrNotConnected = errors.New("kafka: cluster not connected")

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes rule matches to one Kafka cluster.
type Producer struct {
	config  config.KafkaConfig
	logger  zerolog.Logger
	tracer  *logging.Tracer
	writers map[string]messageWriter // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	newWriter func(topic string) (messageWriter, error)
	dial      func(ctx context.Context) error

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a producer for cfg. It does not connect.
func NewProducer(cfg config.KafkaConfig, logger zerolog.Logger, tracer *logging.Tracer) *Producer {
	p := &Producer{
		config:  withDefaults(cfg),
		logger:  logger.With().Str("component", "kafka").Str("cluster", cfg.Name).Logger(),
		tracer:  tracer,
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
	}
	p.newWriter = p.createWriter
	p.dial = p.dialBroker
	return p
}

// Name returns the cluster name.
func (p *Producer) Name() string { return p.config.Name }

// Topic returns the topic matches are written to.
func (p *Producer) Topic() string { return p.config.Topic }

// Enabled reports whether the cluster is enabled in configuration.
func (p *Producer) Enabled() bool { return p.config.Enabled }

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies connectivity to the cluster.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	p.logger.Info().Strs("brokers", p.config.Brokers).Msg("connecting to Kafka")

	if err := p.dial(ctx); err != nil {
		err = fmt.Errorf("kafka: connect %s: %w", p.config.Name, err)
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		p.logger.Error().Err(err).Msg("Kafka connection failed")
		return err
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()
	p.logger.Info().Msg("connected to Kafka")
	return nil
}

func (p *Producer) dialBroker(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return errors.New("no brokers configured")
	}
	dialer, err := p.createDialer()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var lastErr error
	for _, broker := range p.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Controller()
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("closing writer")
		}
		delete(p.writers, topic)
	}

	if p.status != StatusDisconnected {
		p.logger.Info().Msg("disconnected from Kafka")
	}
	p.status = StatusDisconnected
	p.lastErr = nil
}

// Produce sends one record to topic and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	start := time.Now()
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}
	p.tracer.TX(logging.TraceKafka, topic, value)

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.mu.Lock()
		p.messagesError++
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			p.logger.Warn().Str("topic", topic).Msg("topic not found on broker")
		}
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		p.logger.Debug().Str("topic", topic).Dur("took", d).Msg("slow produce")
	}

	p.mu.Lock()
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// ProduceWithRetry retries Produce with linear backoff using the
// configured retry settings.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.RetryBackoff * time.Duration(attempt)):
			}
		}

		err := p.Produce(ctx, topic, key, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("kafka produce failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// SendMatch writes m to the configured topic keyed by rule name.
func (p *Producer) SendMatch(ctx context.Context, m *rule.Match) error {
	value, err := m.ToJSON()
	if err != nil {
		return fmt.Errorf("kafka: encode match: %w", err)
	}
	return p.ProduceWithRetry(ctx, p.config.Topic, m.Key(), value)
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, p.config.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	writer, err := p.newWriter(topic)
	if err != nil {
		return nil, err
	}
	p.writers[topic] = writer
	p.logger.Debug().Str("topic", topic).Bool("auto_create", autoCreateTopics(p.config)).Msg("created topic writer")
	return writer, nil
}

// createWriter builds a synchronous batching writer. Topic creation is left
// to the broker through AllowAutoTopicCreation.
func (p *Producer) createWriter(topic string) (messageWriter, error) {
	transport, err := p.createTransport()
	if err != nil {
		return nil, err
	}
	return &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: transport,

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: autoCreateTopics(p.config),
	}, nil
}

// createDialer creates a Kafka dialer with auth and TLS.
func (p *Producer) createDialer() (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mechanism,
	}, nil
}

// createTransport creates a Kafka transport with auth and TLS.
func (p *Producer) createTransport() (*kafka.Transport, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(p.config),
		SASL:        mechanism,
	}, nil
}
