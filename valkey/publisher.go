// Package valkey stores and broadcasts rule matches on a Valkey/Redis server.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mqttlens/config"
	"mqttlens/logging"
	"mqttlens/rule"
)

// DefaultNamespace prefixes keys when the configuration sets none.
const DefaultNamespace = "mqttlens"

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// RuleKey returns the key holding the latest match of a rule.
func RuleKey(namespace, ruleName string) string {
	return joinKey(namespace, "rules", ruleName)
}

// MatchesChannel returns the Pub/Sub channel every match is published on.
func MatchesChannel(namespace string) string {
	return joinKey(namespace, "matches")
}

// client is the subset of *redis.Client the publisher uses.
type client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Publisher writes rule matches to one Valkey server.
type Publisher struct {
	config    config.ValkeyConfig
	namespace string
	logger    zerolog.Logger
	tracer    *logging.Tracer
	client    client
	running   bool
	mu        sync.RWMutex

	newClient func(opts *redis.Options) client
}

// NewPublisher creates a new Valkey publisher. It does not connect.
func NewPublisher(cfg config.ValkeyConfig, namespace string, logger zerolog.Logger, tracer *logging.Tracer) *Publisher {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		logger:    logger.With().Str("component", "valkey").Str("server", cfg.Name).Logger(),
		tracer:    tracer,
		newClient: func(opts *redis.Options) client { return redis.NewClient(opts) },
	}
}

// Start connects to the Valkey server.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Connect without holding the lock.
	c := p.newClient(opts)
	p.logger.Info().Str("address", p.config.Address).Int("db", p.config.Database).Bool("tls", p.config.UseTLS).Msg("connecting to Valkey")

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		p.logger.Error().Err(err).Msg("Valkey connection failed")
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		c.Close()
		return nil
	}
	p.client = c
	p.running = true
	p.logger.Info().Msg("connected to Valkey")
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	c := p.client
	p.client = nil
	p.mu.Unlock()

	if c != nil {
		return c.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Name returns the configured server name.
func (p *Publisher) Name() string { return p.config.Name }

// Enabled reports whether the server is enabled in configuration.
func (p *Publisher) Enabled() bool { return p.config.Enabled }

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// PublishMatch stores m as the latest match of its rule and, when
// PublishChanges is set, broadcasts it on the matches channel. It is a
// no-op while the publisher is stopped.
func (p *Publisher) PublishMatch(ctx context.Context, m *rule.Match) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	c := p.client
	p.mu.RUnlock()

	data, err := m.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal match: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	key := RuleKey(p.namespace, m.Rule)
	p.tracer.TX(logging.TraceValkey, key, data)
	if err := c.Set(ctx, key, data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	if p.config.PublishChanges {
		channel := MatchesChannel(p.namespace)
		if err := c.Publish(ctx, channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish on %s: %w", channel, err)
		}
	}
	return nil
}
