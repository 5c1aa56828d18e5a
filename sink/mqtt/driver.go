// Package mqtt publishes change events at QoS 1 under
// <prefix>/<topic>/<partition>.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cdcflow/internal/decode"
	"cdcflow/internal/logging"
	"cdcflow/sink"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type Config struct {
	Broker      string           `koanf:"broker"`
	TopicPrefix string           `koanf:"topic_prefix"`
	Timeout     time.Duration    `koanf:"timeout"`
	ClientID    string           `koanf:"client_id"`
	Now         func() time.Time `koanf:"-"`
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

var errTimeout = errors.New("mqtt-sink: broker did not answer in time")

type driver struct {
	cfg Config
	cl  publisher
}

func (d *driver) Name() string { return "mqtt" }

func withDefaults(cfg Config) Config {
	if cfg.Broker == "" {
		cfg.Broker = "tcp://127.0.0.1:1883"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cdc"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "cdcflow-" + uuid.NewString()[:8]
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("mqtt-sink: want Config, got %T", c)
	}
	cfg = withDefaults(cfg)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetWriteTimeout(cfg.Timeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logging.L().Warn("mqtt-sink: connection lost", "err", err)
		})
	cl := paho.NewClient(opts)
	tok := cl.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return fmt.Errorf("mqtt-sink: connect %s: %w", cfg.Broker, errTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt-sink: connect %s: %w", cfg.Broker, err)
	}
	d.cfg, d.cl = cfg, cl
	return nil
}

func Topic(prefix string, ev decode.Event) string {
	return prefix + "/" + ev.Topic + "/" + strconv.FormatInt(int64(ev.Partition), 10)
}

// Deliver waits for the broker's PUBACK, bounded by the configured timeout
// and ctx. Every failure is transient; the broker may come back.
func (d *driver) Deliver(ctx context.Context, ev decode.Event) error {
	data, err := json.Marshal(ev.Envelope(d.cfg.Now()))
	if err != nil {
		return sink.Fatal(fmt.Errorf("mqtt-sink: encode: %w", err))
	}
	tok := d.cl.Publish(Topic(d.cfg.TopicPrefix, ev), 1, false, data)

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
	case <-timer.C:
		return sink.Transient(errTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return sink.Transient(fmt.Errorf("mqtt-sink: publish: %w", err))
	}
	return nil
}

func (d *driver) Close() error {
	if d.cl != nil {
		d.cl.Disconnect(250)
		d.cl = nil
	}
	return nil
}

func init() { sink.Register("mqtt", func() sink.Adapter { return &driver{} }) }
