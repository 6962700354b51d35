package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pq "github.com/lib/pq"

	"github.com/vsevolodbreus/vortex/internal/config"
	"github.com/vsevolodbreus/vortex/pkg/types"
)

// PostgresSink persists records into a Postgres table via lib/pq. The
// extracted fields are stored as a JSONB array to preserve field order.
type PostgresSink struct {
	db    *sql.DB
	table string
}

// NewPostgresSink opens the connection and ensures the target table
// exists.
func NewPostgresSink(cfg config.PostgresConfig) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres sink requires a dsn")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresSink{db: db, table: cfg.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		source_url TEXT NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL,
		fields JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pq.QuoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Accept implements Sink.
func (s *PostgresSink) Accept(ctx context.Context, rec types.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (run_id, source_url, fetched_at, fields) VALUES ($1, $2, $3, $4)",
		pq.QuoteIdentifier(s.table),
	)
	if _, err := s.db.ExecContext(ctx, stmt, rec.RunID, rec.SourceURL, rec.FetchedAt, fields); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
