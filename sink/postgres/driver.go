// Package postgres writes change events into a PostgreSQL table keyed by
// record coordinates, so redelivery is a no-op.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdcflow/internal/decode"
	"cdcflow/sink"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DefaultTable = "cdc_events"

type Config struct {
	DSN   string `koanf:"dsn"`
	Table string `koanf:"table"` // optionally schema-qualified
}

// execer is the slice of *pgxpool.Pool the sink needs.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type driver struct {
	db     execer
	pool   *pgxpool.Pool
	insert string
}

func (d *driver) Name() string { return "postgres" }

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("postgres-sink: want Config, got %T", c)
	}
	if cfg.DSN == "" {
		return errors.New("postgres-sink: dsn is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("postgres-sink: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres-sink: ping: %w", err)
	}
	if err := d.init(ctx, pool, cfg.Table); err != nil {
		pool.Close()
		return err
	}
	d.pool = pool
	return nil
}

func (d *driver) init(ctx context.Context, db execer, table string) error {
	ident := quoteTable(table)
	if _, err := db.Exec(ctx, createTableSQL(ident)); err != nil {
		return fmt.Errorf("postgres-sink: create table %s: %w", ident, err)
	}
	d.db = db
	d.insert = insertSQL(ident)
	return nil
}

func quoteTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func createTableSQL(ident string) string {
	return `CREATE TABLE IF NOT EXISTS ` + ident + ` (
	topic       text        NOT NULL,
	partition   integer     NOT NULL,
	"offset"    bigint      NOT NULL,
	key         bytea,
	value       bytea,
	tombstone   boolean     NOT NULL,
	headers     jsonb,
	captured_at timestamptz,
	emitted_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (topic, partition, "offset")
)`
}

func insertSQL(ident string) string {
	return `INSERT INTO ` + ident + ` (topic, partition, "offset", key, value, tombstone, headers, captured_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (topic, partition, "offset") DO NOTHING`
}

func (d *driver) Deliver(ctx context.Context, ev decode.Event) error {
	var headers []byte
	if len(ev.Headers) > 0 {
		b, err := json.Marshal(ev.Headers)
		if err != nil {
			return sink.Fatal(fmt.Errorf("postgres-sink: headers: %w", err))
		}
		headers = b
	}
	var captured *time.Time
	if !ev.Timestamp.IsZero() {
		ts := ev.Timestamp.UTC()
		captured = &ts
	}
	_, err := d.db.Exec(ctx, d.insert,
		ev.Topic, ev.Partition, ev.Offset,
		ev.Key.Bytes(), ev.Value.Bytes(), ev.Tombstone(),
		headers, captured,
	)
	if err != nil {
		return classify(fmt.Errorf("postgres-sink: insert %s[%d]@%d: %w", ev.Topic, ev.Partition, ev.Offset, err))
	}
	return nil
}

// classify treats connection loss, contention and server restarts as
// transient; any other server-reported error is fatal.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "40"), // transaction rollback
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return sink.Transient(err)
		default:
			return sink.Fatal(err)
		}
	}
	return sink.Transient(err)
}

func (d *driver) Close() error {
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return nil
}

func init() { sink.Register("postgres", func() sink.Adapter { return &driver{} }) }
