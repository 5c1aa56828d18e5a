// Package stdout is the reference sink: one structured line per event on
// the process standard output.
package stdout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"cdcflow/internal/decode"
	"cdcflow/sink"
)

type Config struct {
	Format string           `koanf:"format"` // json (default) | text
	Writer io.Writer        `koanf:"-"`      // defaults to os.Stdout
	Now    func() time.Time `koanf:"-"`
}

type driver struct {
	cfg Config

	mu   sync.Mutex // one line at a time
	enc  *json.Encoder
	text slog.Handler
}

func (d *driver) Name() string { return "stdout" }

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Writer == nil {
		c.Writer = os.Stdout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	switch c.Format {
	case "", "json":
		c.Format = "json"
		d.enc = json.NewEncoder(c.Writer)
		d.enc.SetEscapeHTML(false)
	case "text":
		d.text = slog.NewTextHandler(c.Writer, &slog.HandlerOptions{
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 && a.Key == slog.LevelKey {
					return slog.Attr{}
				}
				return a
			},
		})
	default:
		return fmt.Errorf("stdout-sink: unknown format %q", c.Format)
	}
	d.cfg = c
	return nil
}

// Deliver writes one line. Re-emitting an event on redelivery is harmless
// for a log stream, so no de-duplication is attempted.
func (d *driver) Deliver(ctx context.Context, ev decode.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := ev.Envelope(d.cfg.Now())

	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.text != nil {
		// Zero time: the envelope carries its own timestamp.
		r := slog.NewRecord(time.Time{}, slog.LevelInfo, "change event", 0)
		r.AddAttrs(textAttrs(env)...)
		err = d.text.Handle(ctx, r)
	} else {
		err = d.enc.Encode(env)
	}
	if err != nil {
		return sink.Transient(fmt.Errorf("stdout-sink: write: %w", err))
	}
	return nil
}

func textAttrs(env decode.Envelope) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("timestamp", env.Timestamp),
		slog.String("topic", env.Topic),
		slog.Int("partition", int(env.Partition)),
		slog.Int64("offset", env.Offset),
		payloadAttr("key", env.Key),
		payloadAttr("value", env.Value),
	}
	if env.ValueEncoding != "" {
		attrs = append(attrs, slog.String("value_encoding", env.ValueEncoding))
	}
	if env.CapturedAt != "" {
		attrs = append(attrs, slog.String("captured_at", env.CapturedAt))
	}
	return attrs
}

func payloadAttr(k string, p decode.Payload) slog.Attr {
	if p.IsAbsent() {
		return slog.Any(k, nil)
	}
	return slog.String(k, p.String())
}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.cfg.Writer.(interface{ Sync() error }); ok && d.cfg.Writer != os.Stdout {
		return f.Sync()
	}
	return nil
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
