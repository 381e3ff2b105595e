// Package kafka forwards rule matches to Kafka topics.
package kafka

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"mqttlens/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Producer defaults applied when the sink config leaves them unset.
const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 100 * time.Millisecond
)

// withDefaults fills unset producer settings.
func withDefaults(cfg config.KafkaConfig) config.KafkaConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return cfg
}

// autoCreateTopics returns the configured flag, defaulting to true.
func autoCreateTopics(cfg config.KafkaConfig) bool {
	if cfg.AutoCreateTopics == nil {
		return true
	}
	return *cfg.AutoCreateTopics
}

// tlsConfig returns a TLS configuration if TLS is enabled.
func tlsConfig(cfg config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil when no
// credentials are set.
func saslMechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}

	switch SASLMechanism(strings.ToUpper(cfg.SASLMechanism)) {
	case SASLNone:
		return nil, nil
	case SASLPlain:
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}
