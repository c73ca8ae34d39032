// Package kafka produces capture events to Kafka clusters.
package kafka

import (
	"crypto/tls"
	"strings"
	"time"

	"linecap/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds the resolved settings for one Kafka cluster.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	Topic         string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	RequiredAcks     int // -1=all, 0=none, 1=leader only
	MaxRetries       int
	RetryBackoff     time.Duration
	AutoCreateTopics bool
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Brokers:          []string{"localhost:9092"},
		Topic:            "linecap.captures",
		RequiredAcks:     -1, // All replicas must acknowledge
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		AutoCreateTopics: true,
	}
}

// FromConfig resolves a persisted cluster entry, filling unset fields from
// DefaultConfig.
func FromConfig(kc config.KafkaConfig) Config {
	c := DefaultConfig(kc.Name)
	c.Enabled = kc.Enabled
	if len(kc.Brokers) > 0 {
		c.Brokers = kc.Brokers
	}
	if kc.Topic != "" {
		c.Topic = kc.Topic
	}
	c.UseTLS = kc.UseTLS
	c.TLSSkipVerify = kc.TLSSkipVerify
	c.SASLMechanism = SASLMechanism(strings.ToUpper(kc.SASLMechanism))
	c.Username = kc.Username
	c.Password = kc.Password
	if kc.RequiredAcks != 0 {
		c.RequiredAcks = kc.RequiredAcks
	}
	if kc.MaxRetries > 0 {
		c.MaxRetries = kc.MaxRetries
	}
	if kc.RetryBackoff > 0 {
		c.RetryBackoff = kc.RetryBackoff
	}
	if kc.AutoCreateTopics != nil {
		c.AutoCreateTopics = *kc.AutoCreateTopics
	}
	return c
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
