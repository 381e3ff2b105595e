// Package mqtt subscribes to a broker and decodes traffic into inspector
// messages.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mqttlens/config"
	"mqttlens/logging"
	"mqttlens/message"
	"mqttlens/topic"
)

// DefaultBufferSize is the capacity of the decoded message channel.
const DefaultBufferSize = 1000

// Metadata keys added by the subscriber besides the message package ones.
const (
	MetaMessageID = "message_id"
	MetaDuplicate = "duplicate"
	MetaBroker    = "broker"
	MetaFilter    = "filter"
	MetaError     = "error"
)

// timestampKeys are the body fields checked for a sender timestamp when
// computing delivery latency.
var timestampKeys = []string{"timestamp", "ts", "time"}

// ClientFactory builds the paho client. Tests substitute a mock.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithClientFactory overrides paho client construction.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Subscriber) { s.newClient = f }
}

// WithTracer records raw payloads to t.
func WithTracer(t *logging.Tracer) Option {
	return func(s *Subscriber) { s.tracer = t }
}

// WithClock overrides the wall clock used for timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(s *Subscriber) { s.now = now }
}

// WithBufferSize sets the decoded message channel capacity.
func WithBufferSize(n int) Option {
	return func(s *Subscriber) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// Subscriber connects to one broker, subscribes to the configured filters
// and emits every publish, subscribe, disconnect and error as a
// *message.Message.
type Subscriber struct {
	config     config.BrokerConfig
	logger     zerolog.Logger
	tracer     *logging.Tracer
	newClient  ClientFactory
	now        func() time.Time
	bufferSize int

	client   pahomqtt.Client
	out      chan *message.Message
	stopChan chan struct{}
	running  bool
	mu       sync.RWMutex
	stopOnce sync.Once
}

// NewSubscriber creates a subscriber. It does not connect until Start.
func NewSubscriber(cfg config.BrokerConfig, logger zerolog.Logger, opts ...Option) (*Subscriber, error) {
	if cfg.Host == "" {
		return nil, errors.New("mqtt: broker host is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("mqtt: at least one topic filter is required")
	}
	for _, f := range cfg.Topics {
		if err := topic.Validate(f); err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mqttlens-" + uuid.NewString()[:8]
	}

	s := &Subscriber{
		config:     cfg,
		logger:     logger.With().Str("component", "mqtt").Str("broker", cfg.Address()).Logger(),
		newClient:  pahomqtt.NewClient,
		now:        time.Now,
		bufferSize: DefaultBufferSize,
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.out = make(chan *message.Message, s.bufferSize)
	return s, nil
}

// ClientID returns the MQTT client identifier in use.
func (s *Subscriber) ClientID() string { return s.config.ClientID }

// Messages returns the decoded message stream. The channel is never
// closed; use Done to observe shutdown.
func (s *Subscriber) Messages() <-chan *message.Message { return s.out }

// Done is closed once Stop has run.
func (s *Subscriber) Done() <-chan struct{} { return s.stopChan }

// IsRunning returns whether the subscriber has been started and not stopped.
func (s *Subscriber) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start connects to the broker. Subscriptions are (re)established on every
// connect, so they survive automatic reconnects. Cancelling ctx stops the
// subscriber.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	client := s.newClient(s.clientOptions())
	s.logger.Info().Str("client_id", s.config.ClientID).Msg("connecting to MQTT broker")

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("mqtt: connection timeout")
	}
	if err := token.Error(); err != nil {
		s.logger.Error().Err(err).Msg("MQTT connection failed")
		return fmt.Errorf("mqtt: connect %s: %w", s.config.Address(), err)
	}

	s.mu.Lock()
	s.client = client
	s.running = true
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopChan:
		}
	}()
	return nil
}

// Stop unsubscribes and disconnects. It is safe to call more than once.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		client := s.client
		s.running = false
		s.mu.Unlock()

		close(s.stopChan)
		if client != nil && client.IsConnected() {
			if token := client.Unsubscribe(s.config.Topics...); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				s.logger.Warn().Err(token.Error()).Msg("unsubscribe failed")
			}
			client.Disconnect(250)
		}
		s.logger.Info().Msg("MQTT subscriber stopped")
	})
}

func (s *Subscriber) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	if s.config.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s", s.config.Address()))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s", s.config.Address()))
	}

	opts.SetClientID(s.config.ClientID)
	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
		opts.SetPassword(s.config.Password)
	}

	keepAlive := s.config.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	opts.SetKeepAlive(keepAlive)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	return opts
}

func (s *Subscriber) onConnect(client pahomqtt.Client) {
	s.logger.Info().Msg("connected to MQTT broker")
	s.tracer.Log(logging.TraceMQTT, "CONNECTED to %s as %s", s.config.Address(), s.config.ClientID)

	filters := make(map[string]byte, len(s.config.Topics))
	for _, f := range s.config.Topics {
		filters[f] = s.config.QoS
	}
	token := client.SubscribeMultiple(filters, s.HandleMessage)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			s.logger.Error().Err(token.Error()).Strs("topics", s.config.Topics).Msg("subscribe failed")
			s.emit(message.Event(message.TypeError, token.Error().Error(), map[string]any{MetaBroker: s.config.Address()}, s.now()))
			return
		}
		for _, f := range s.config.Topics {
			s.logger.Info().Str("topic", f).Msg("subscribed")
			s.emit(message.Event(message.TypeSubscribe, map[string]any{"topic": f, "qos": int(s.config.QoS)},
				map[string]any{MetaBroker: s.config.Address(), MetaFilter: f}, s.now()))
		}
	}()
}

func (s *Subscriber) onConnectionLost(_ pahomqtt.Client, err error) {
	s.logger.Error().Err(err).Msg("lost MQTT connection")
	s.tracer.Log(logging.TraceMQTT, "DISCONNECT from %s: %v", s.config.Address(), err)

	meta := map[string]any{MetaBroker: s.config.Address()}
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
		meta[MetaError] = reason
	}
	s.emit(message.Event(message.TypeDisconnect, reason, meta, s.now()))
}

// HandleMessage converts one paho message and queues it. It is installed as
// the subscription callback.
func (s *Subscriber) HandleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	now := s.now()
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	s.tracer.RX(logging.TraceMQTT, msg.Topic(), payload)

	body := decodePayload(payload)
	meta := map[string]any{
		message.MetaDirection: message.DirectionIncoming,
		MetaMessageID:         int(msg.MessageID()),
		MetaDuplicate:         msg.Duplicate(),
		MetaBroker:            s.config.Address(),
	}
	if ms, ok := latency(body, now); ok {
		meta[message.MetaLatency] = ms
	}

	s.logger.Debug().Str("topic", msg.Topic()).Int("bytes", len(payload)).Msg("received")
	s.emit(message.Publish(msg.Topic(), body, msg.Qos(), msg.Retained(), meta, now))
}

// emit queues m unless the subscriber is stopping. A full buffer drops the
// message rather than stalling the paho router.
func (s *Subscriber) emit(m *message.Message) {
	select {
	case <-s.stopChan:
		return
	default:
	}
	select {
	case s.out <- m:
	case <-s.stopChan:
	default:
		s.logger.Warn().Str("type", m.Type.String()).Str("topic", m.Topic()).Msg("message buffer full, dropping")
	}
}

// decodePayload returns the JSON value held in payload, or the payload as
// a string when it is not JSON.
func decodePayload(payload []byte) any {
	var v any
	if len(payload) > 0 && json.Valid(payload) {
		if err := json.Unmarshal(payload, &v); err == nil {
			return v
		}
	}
	return string(payload)
}

// latency derives sender-to-handler latency in milliseconds from a
// timestamp field in the body. Epoch values are read as seconds, millis or
// micros by magnitude; strings must be RFC 3339.
func latency(body any, now time.Time) (float64, bool) {
	obj, ok := body.(map[string]any)
	if !ok {
		return 0, false
	}
	for _, key := range timestampKeys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		sent, ok := parseTimestamp(v)
		if !ok {
			continue
		}
		ms := float64(now.Sub(sent).Microseconds()) / 1000
		if ms < 0 {
			ms = 0
		}
		return ms, true
	}
	return 0, false
}

func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		return ts, err == nil
	case float64:
		switch {
		case t <= 0:
			return time.Time{}, false
		case t < 1e11:
			return time.UnixMicro(int64(t * 1e6)), true
		case t < 1e14:
			return time.UnixMilli(int64(t)), true
		default:
			return time.UnixMicro(int64(t)), true
		}
	default:
		return time.Time{}, false
	}
}
