package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  BIGINT       NOT NULL,
    started_at  TIMESTAMPTZ  NOT NULL,
    duration_ms BIGINT       NOT NULL,
    engine      TEXT         NOT NULL,
    language    TEXT         NOT NULL,
    status      TEXT         NOT NULL,
    raw_text    TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL DEFAULT '',
    error       TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transcripts_started_at ON transcripts (started_at);
`

// PostgresStore is a [Store] in a PostgreSQL database, for sharing one
// history between machines.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	slog.Info("history database opened", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &PostgresStore{pool: pool}, nil
}

// Add implements [Store].
func (s *PostgresStore) Add(ctx context.Context, r Record) (int64, error) {
	const q = `
		INSERT INTO transcripts
		    (session_id, started_at, duration_ms, engine, language, status, raw_text, text, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		int64(r.SessionID),
		r.StartedAt,
		r.Duration.Milliseconds(),
		r.Engine,
		r.Language,
		r.Status,
		r.RawText,
		r.Text,
		r.Error,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("history: insert: %w", err)
	}
	return id, nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	const q = `
		SELECT id, session_id, started_at, duration_ms, engine, language, status, raw_text, text, error
		FROM   transcripts
		ORDER  BY started_at DESC, id DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r          Record
			sessionID  int64
			durationMS int64
		)
		if err := row.Scan(&r.ID, &sessionID, &r.StartedAt, &durationMS,
			&r.Engine, &r.Language, &r.Status, &r.RawText, &r.Text, &r.Error); err != nil {
			return Record{}, err
		}
		r.SessionID = uint64(sessionID)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan: %w", err)
	}
	return records, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [Store]. It releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
