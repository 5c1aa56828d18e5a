package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StartPolicy picks where a partition starts when the group has no
// committed offset for it. A committed offset always wins, so FromLatest and
// FromCommitted consume identically: both resume from the committed offset
// and fall back to the log end.
type StartPolicy string

const (
	FromEarliest  StartPolicy = "earliest"
	FromLatest    StartPolicy = "latest"
	FromCommitted StartPolicy = "committed"
)

// ParseStartPolicy accepts the policy names plus the oldest/newest spelling
// used by sarama.
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "earliest", "oldest", "fromearliest", "beginning":
		return FromEarliest, nil
	case "latest", "newest", "fromlatest":
		return FromLatest, nil
	case "committed", "fromcommitted":
		return FromCommitted, nil
	default:
		return "", fmt.Errorf("kafka: unknown start policy %q", s)
	}
}

type TLSConfig struct {
	Enabled    bool   `koanf:"enabled"`
	SkipVerify bool   `koanf:"skip_verify"`
	CAFile     string `koanf:"ca_file"`
}

type SASLConfig struct {
	Mechanism string `koanf:"mechanism"` // plain|scram-sha-256|scram-sha-512
	User      string `koanf:"user"`
	Password  string `koanf:"password"`
}

type Config struct {
	Brokers        []string      `koanf:"brokers"`
	Topic          string        `koanf:"topic"`
	GroupID        string        `koanf:"group_id"`
	ClientID       string        `koanf:"client_id"`
	StartFrom      StartPolicy   `koanf:"start_from"`
	Driver         string        `koanf:"driver"`  // sarama|kgo
	Version        string        `koanf:"version"` // sarama protocol version
	PollTimeout    time.Duration `koanf:"poll_timeout"`
	MaxPollRecords int           `koanf:"max_poll_records"`
	SessionTimeout time.Duration `koanf:"session_timeout"`

	TLS  TLSConfig  `koanf:"tls"`
	SASL SASLConfig `koanf:"sasl"`
}

const (
	DefaultBroker  = "kafka:9092"
	DefaultTopic   = "ticdc-testdb-users"
	DefaultGroupID = "cdc-group"
	DefaultDriver  = "sarama"
)

// ApplyDefaults fills every zero field.
func (c *Config) ApplyDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{DefaultBroker}
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.GroupID == "" {
		c.GroupID = DefaultGroupID
	}
	if c.ClientID == "" {
		c.ClientID = "cdc-consumer-" + uuid.NewString()[:8]
	}
	if c.StartFrom == "" {
		c.StartFrom = FromEarliest
	}
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 45 * time.Second
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: no brokers configured"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka: topic is required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("kafka: group id is required"))
	}
	if _, err := ParseStartPolicy(string(c.StartFrom)); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.SASL.Mechanism) {
	case "", "plain", "scram-sha-256", "scram-sha-512":
	default:
		errs = append(errs, fmt.Errorf("kafka: unknown sasl mechanism %q", c.SASL.Mechanism))
	}
	return errors.Join(errs...)
}

func (c Config) Subscription() Subscription {
	p, err := ParseStartPolicy(string(c.StartFrom))
	if err != nil {
		p = FromEarliest
	}
	return Subscription{Topic: c.Topic, StartFrom: p}
}

func (t TLSConfig) build() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: t.SkipVerify} //nolint:gosec // opt-in
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("kafka: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("kafka: no certificates in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
