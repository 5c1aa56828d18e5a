// Package nats publishes change events to a JetStream stream. Each message
// carries a Nats-Msg-Id built from the record coordinates, so the server
// drops redeliveries inside the stream's duplicate window.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cdcflow/internal/decode"
	"cdcflow/internal/logging"
	"cdcflow/sink"

	"github.com/nats-io/nats.go"
)

type Config struct {
	URL           string           `koanf:"url"`
	SubjectPrefix string           `koanf:"subject_prefix"`
	Stream        string           `koanf:"stream"`
	Now           func() time.Time `koanf:"-"`
}

type publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type driver struct {
	cfg Config
	nc  *nats.Conn
	js  publisher
}

func (d *driver) Name() string { return "nats" }

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("nats-sink: want Config, got %T", c)
	}
	cfg = withDefaults(cfg)

	nc, err := nats.Connect(cfg.URL,
		nats.Name("cdcflow"),
		nats.Timeout(5*time.Second),
		nats.PingInterval(10*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.L().Warn("nats-sink: disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.L().Info("nats-sink: reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats-sink: connect %s: %w", cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats-sink: jetstream: %w", err)
	}
	if err := ensureStream(js, cfg); err != nil {
		nc.Close()
		return err
	}
	d.cfg, d.nc, d.js = cfg, nc, js
	return nil
}

func withDefaults(cfg Config) Config {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "cdc"
	}
	if cfg.Stream == "" {
		cfg.Stream = "CDC"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

func ensureStream(js nats.JetStreamContext, cfg Config) error {
	_, err := js.StreamInfo(cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("nats-sink: stream info %s: %w", cfg.Stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("nats-sink: create stream %s: %w", cfg.Stream, err)
	}
	logging.L().Info("nats-sink: created stream", "stream", cfg.Stream)
	return nil
}

// Subject is prefix.topic.partition with dots in the topic flattened.
func Subject(prefix string, ev decode.Event) string {
	return prefix + "." + strings.ReplaceAll(ev.Topic, ".", "_") + "." + strconv.FormatInt(int64(ev.Partition), 10)
}

func MsgID(ev decode.Event) string {
	return ev.Topic + "/" + strconv.FormatInt(int64(ev.Partition), 10) + "/" + strconv.FormatInt(ev.Offset, 10)
}

func (d *driver) Deliver(ctx context.Context, ev decode.Event) error {
	data, err := json.Marshal(ev.Envelope(d.cfg.Now()))
	if err != nil {
		return sink.Fatal(fmt.Errorf("nats-sink: encode: %w", err))
	}
	msg := nats.NewMsg(Subject(d.cfg.SubjectPrefix, ev))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, MsgID(ev))
	if ev.Tombstone() {
		msg.Header.Set("Cdc-Tombstone", "true")
	}
	if _, err := d.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return classify(fmt.Errorf("nats-sink: publish %s: %w", msg.Subject, err))
	}
	return nil
}

// classify: a JetStream API rejection or an oversize payload is fatal;
// timeouts, missing responders and reconnects are transient.
func classify(err error) error {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) || errors.Is(err, nats.ErrMaxPayload) {
		return sink.Fatal(err)
	}
	return sink.Transient(err)
}

func (d *driver) Close() error {
	if d.nc == nil {
		return nil
	}
	err := d.nc.Drain()
	d.nc = nil
	return err
}

func init() { sink.Register("nats", func() sink.Adapter { return &driver{} }) }
