// Package config loads process configuration: an optional YAML file named
// by CDC_CONFIG_FILE, then an optional dotenv file named by CDC_ENV_FILE
// (.env when unset), then environment variables. Later sources win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"cdcflow/internal/pipeline"
	"cdcflow/sink"
	chsink "cdcflow/sink/clickhouse"
	kafkasink "cdcflow/sink/kafka"
	mqttsink "cdcflow/sink/mqtt"
	natssink "cdcflow/sink/nats"
	pgsink "cdcflow/sink/postgres"
	"cdcflow/sink/stdout"
	"cdcflow/source/kafka"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvConfigFile = "CDC_CONFIG_FILE"
	EnvDotenvFile = "CDC_ENV_FILE"

	DefaultDotenvFile = ".env"

	DefaultMetricsAddr = ":9100"
	DefaultGRPCAddr    = ":7070"
)

type Config struct {
	Kafka       kafka.Config `koanf:"kafka"`
	Pipeline    Pipeline     `koanf:"pipeline"`
	Sinks       []string     `koanf:"sinks"`
	Sink        Sinks        `koanf:"sink"`
	Log         Log          `koanf:"log"`
	MetricsAddr string       `koanf:"metrics_addr"`
	GRPCAddr    string       `koanf:"grpc_addr"`
}

type Pipeline struct {
	CommitMode string               `koanf:"commit_mode"`
	Retry      pipeline.RetryPolicy `koanf:"retry"`
}

type Sinks struct {
	Stdout     stdout.Config    `koanf:"stdout"`
	Kafka      kafkasink.Config `koanf:"kafka"`
	Postgres   pgsink.Config    `koanf:"postgres"`
	ClickHouse chsink.Config    `koanf:"clickhouse"`
	NATS       natssink.Config  `koanf:"nats"`
	MQTT       mqttsink.Config  `koanf:"mqtt"`
}

type Log struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// envKeys maps each recognized variable to its config key. Anything else
// in the environment is ignored.
var envKeys = map[string]string{
	"KAFKA_BROKER":           "kafka.brokers",
	"KAFKA_TOPIC":            "kafka.topic",
	"KAFKA_GROUP_ID":         "kafka.group_id",
	"KAFKA_CLIENT_ID":        "kafka.client_id",
	"KAFKA_START_FROM":       "kafka.start_from",
	"KAFKA_DRIVER":           "kafka.driver",
	"KAFKA_VERSION":          "kafka.version",
	"KAFKA_POLL_TIMEOUT":     "kafka.poll_timeout",
	"KAFKA_MAX_POLL_RECORDS": "kafka.max_poll_records",
	"KAFKA_SESSION_TIMEOUT":  "kafka.session_timeout",
	"KAFKA_TLS_ENABLED":      "kafka.tls.enabled",
	"KAFKA_TLS_SKIP_VERIFY":  "kafka.tls.skip_verify",
	"KAFKA_TLS_CA_FILE":      "kafka.tls.ca_file",
	"KAFKA_SASL_MECHANISM":   "kafka.sasl.mechanism",
	"KAFKA_SASL_USER":        "kafka.sasl.user",
	"KAFKA_SASL_PASSWORD":    "kafka.sasl.password",

	"CDC_SINKS":                  "sinks",
	"CDC_COMMIT_MODE":            "pipeline.commit_mode",
	"CDC_RETRY_INITIAL_INTERVAL": "pipeline.retry.initial_interval",
	"CDC_RETRY_MAX_INTERVAL":     "pipeline.retry.max_interval",
	"CDC_RETRY_MAX_ATTEMPTS":     "pipeline.retry.max_attempts",
	"CDC_LOG_LEVEL":              "log.level",
	"CDC_LOG_JSON":               "log.json",
	"CDC_METRICS_ADDR":           "metrics_addr",
	"CDC_GRPC_ADDR":              "grpc_addr",

	"SINK_STDOUT_FORMAT":       "sink.stdout.format",
	"SINK_KAFKA_BROKERS":       "sink.kafka.brokers",
	"SINK_KAFKA_TOPIC":         "sink.kafka.topic",
	"SINK_KAFKA_ENCODING":      "sink.kafka.encoding",
	"SINK_POSTGRES_DSN":        "sink.postgres.dsn",
	"SINK_POSTGRES_TABLE":      "sink.postgres.table",
	"SINK_CLICKHOUSE_ADDR":     "sink.clickhouse.addr",
	"SINK_CLICKHOUSE_DATABASE": "sink.clickhouse.database",
	"SINK_CLICKHOUSE_USER":     "sink.clickhouse.user",
	"SINK_CLICKHOUSE_PASSWORD": "sink.clickhouse.password",
	"SINK_CLICKHOUSE_TABLE":    "sink.clickhouse.table",
	"SINK_NATS_URL":            "sink.nats.url",
	"SINK_NATS_SUBJECT_PREFIX": "sink.nats.subject_prefix",
	"SINK_NATS_STREAM":         "sink.nats.stream",
	"SINK_MQTT_BROKER":         "sink.mqtt.broker",
	"SINK_MQTT_TOPIC_PREFIX":   "sink.mqtt.topic_prefix",
	"SINK_MQTT_TIMEOUT":        "sink.mqtt.timeout",
}

// Comma-separated variables.
var listKeys = map[string]bool{
	"kafka.brokers":        true,
	"sinks":                true,
	"sink.kafka.brokers":   true,
	"sink.clickhouse.addr": true,
}

// Load reads the files named by CDC_CONFIG_FILE and CDC_ENV_FILE, if
// present, then the environment. An empty CDC_ENV_FILE skips the dotenv
// file.
func Load() (Config, error) {
	envFile, ok := os.LookupEnv(EnvDotenvFile)
	if !ok {
		envFile = DefaultDotenvFile
	}
	return LoadFiles(os.Getenv(EnvConfigFile), envFile)
}

func LoadFile(path string) (Config, error) {
	return LoadFiles(path, "")
}

// LoadFiles layers the YAML file at path, the dotenv file at envFile and the
// environment. Missing files are skipped; empty names are ignored.
func LoadFiles(path, envFile string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := loadDotenv(k, envFile); err != nil {
			return Config{}, err
		}
	}
	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	applyDefaults(&cfg, k)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotenv applies a dotenv file through the same variable table as the
// environment.
func loadDotenv(k *koanf.Koanf, path string) error {
	b, err := file.Provider(path).ReadBytes()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	vars, err := dotenv.Parser().Unmarshal(b)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	for name, v := range vars {
		key, val := envValue(name, fmt.Sprint(v))
		if key == "" {
			continue
		}
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("config: %s: %s: %w", path, name, err)
		}
	}
	return nil
}

func envValue(name, value string) (string, any) {
	key, ok := envKeys[name]
	if !ok {
		return "", nil
	}
	if listKeys[key] {
		return key, splitList(value)
	}
	return key, strings.TrimSpace(value)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(c *Config, k *koanf.Koanf) {
	c.Kafka.ApplyDefaults()
	if c.Pipeline.CommitMode == "" {
		c.Pipeline.CommitMode = string(pipeline.CommitBatch)
	}
	if c.Pipeline.Retry.InitialInterval <= 0 {
		c.Pipeline.Retry.InitialInterval = pipeline.DefaultRetryInitialInterval
	}
	if c.Pipeline.Retry.MaxInterval <= 0 {
		c.Pipeline.Retry.MaxInterval = pipeline.DefaultRetryMaxInterval
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []string{"stdout"}
	}
	if len(c.Sink.Kafka.Brokers) == 0 {
		c.Sink.Kafka.Brokers = c.Kafka.Brokers
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	// Set but empty disables the listener.
	if !k.Exists("metrics_addr") {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if !k.Exists("grpc_addr") {
		c.GRPCAddr = DefaultGRPCAddr
	}
}

func (c Config) Validate() error {
	errs := []error{c.Kafka.Validate()}
	if !slices.Contains(kafka.Drivers(), c.Kafka.Driver) {
		errs = append(errs, fmt.Errorf("config: unknown kafka driver %q (have %s)", c.Kafka.Driver, strings.Join(kafka.Drivers(), ", ")))
	}
	if _, err := pipeline.ParseCommitMode(c.Pipeline.CommitMode); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("config: retry max attempts must be >= 0, got %d", c.Pipeline.Retry.MaxAttempts))
	}
	known := sink.Registered()
	seen := make(map[string]bool, len(c.Sinks))
	for _, name := range c.Sinks {
		if !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("config: unknown sink %q (have %s)", name, strings.Join(known, ", ")))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("config: sink %q listed twice", name))
		}
		seen[name] = true
	}
	return errors.Join(errs...)
}

// SinkConfig returns the typed configuration the named sink's Configure
// expects.
func (c Config) SinkConfig(name string) (any, error) {
	switch name {
	case "stdout":
		return c.Sink.Stdout, nil
	case "kafka":
		return c.Sink.Kafka, nil
	case "postgres":
		return c.Sink.Postgres, nil
	case "clickhouse":
		return c.Sink.ClickHouse, nil
	case "nats":
		return c.Sink.NATS, nil
	case "mqtt":
		return c.Sink.MQTT, nil
	default:
		return nil, fmt.Errorf("config: no configuration for sink %q", name)
	}
}
