// Package clickhouse writes change events into a ReplacingMergeTree table
// ordered by record coordinates; redelivered rows collapse on merge.
package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"cdcflow/internal/decode"
	"cdcflow/sink"

	ch "github.com/ClickHouse/clickhouse-go/v2"
)

const DefaultTable = "cdc_events"

type Config struct {
	Addr     []string `koanf:"addr"`
	Database string   `koanf:"database"`
	User     string   `koanf:"user"`
	Password string   `koanf:"password"`
	Table    string   `koanf:"table"`
}

type execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

type driver struct {
	db     execer
	closer func() error
	insert string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (d *driver) Name() string { return "clickhouse" }

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("clickhouse-sink: want Config, got %T", c)
	}
	if len(cfg.Addr) == 0 {
		cfg.Addr = []string{"localhost:9000"}
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.User == "" {
		cfg.User = "default"
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	for _, id := range []string{cfg.Database, cfg.Table} {
		if !identRe.MatchString(id) {
			return fmt.Errorf("clickhouse-sink: invalid identifier %q", id)
		}
	}

	conn, err := ch.Open(&ch.Options{
		Addr: cfg.Addr,
		Auth: ch.Auth{Database: cfg.Database, Username: cfg.User, Password: cfg.Password},
	})
	if err != nil {
		return fmt.Errorf("clickhouse-sink: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("clickhouse-sink: ping: %w", err)
	}
	if err := d.init(ctx, conn, cfg.Database+"."+cfg.Table); err != nil {
		_ = conn.Close()
		return err
	}
	d.closer = conn.Close
	return nil
}

func (d *driver) init(ctx context.Context, db execer, table string) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + table + ` (
	topic       String,
	partition   Int32,
	offset      Int64,
	key         Nullable(String),
	value       Nullable(String),
	tombstone   Bool,
	headers     Map(String, String),
	captured_at DateTime64(3, 'UTC'),
	emitted_at  DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree
ORDER BY (topic, partition, offset)`
	if err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse-sink: create table %s: %w", table, err)
	}
	d.db = db
	d.insert = `INSERT INTO ` + table + ` (topic, partition, offset, key, value, tombstone, headers, captured_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	return nil
}

func nullable(p decode.Payload) *string {
	if p.IsAbsent() {
		return nil
	}
	s := string(p.Bytes())
	return &s
}

func (d *driver) Deliver(ctx context.Context, ev decode.Event) error {
	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	err := d.db.Exec(ctx, d.insert,
		ev.Topic, ev.Partition, ev.Offset,
		nullable(ev.Key), nullable(ev.Value), ev.Tombstone(),
		headers, ev.Timestamp.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("clickhouse-sink: insert %s[%d]@%d: %w", ev.Topic, ev.Partition, ev.Offset, err))
	}
	return nil
}

// classify: the server rejecting the statement is fatal, anything short of
// a server answer is transient.
func classify(err error) error {
	var ex *ch.Exception
	if errors.As(err, &ex) {
		return sink.Fatal(err)
	}
	return sink.Transient(err)
}

func (d *driver) Close() error {
	if d.closer == nil {
		return nil
	}
	c := d.closer
	d.closer = nil
	return c()
}

func init() { sink.Register("clickhouse", func() sink.Adapter { return &driver{} }) }
