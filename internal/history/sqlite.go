package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStore is a [Store] in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("history: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	slog.Info("history database opened", "path", path)
	return &SQLiteStore{db: db}, nil
}

// Add implements [Store].
func (s *SQLiteStore) Add(ctx context.Context, r Record) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (session_id, started_at, duration_ms, engine, language, status, raw_text, text, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.SessionID), r.StartedAt.UnixMilli(), r.Duration.Milliseconds(),
		r.Engine, r.Language, r.Status, r.RawText, r.Text, r.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("history: insert: %w", err)
	}
	return res.LastInsertId()
}

// Recent implements [Store].
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, started_at, duration_ms, engine, language, status, raw_text, text, error
		FROM transcripts
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			sessionID  int64
			startedAt  int64
			durationMS int64
		)
		if err := rows.Scan(&r.ID, &sessionID, &startedAt, &durationMS,
			&r.Engine, &r.Language, &r.Status, &r.RawText, &r.Text, &r.Error); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		r.SessionID = uint64(sessionID)
		r.StartedAt = time.UnixMilli(startedAt)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
