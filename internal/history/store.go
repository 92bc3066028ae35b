// Package history persists dictation results.
//
// Every session that ends with a final transcript or a failure is stored as
// one row, either in a local SQLite file or in a shared PostgreSQL database.
// The [Sink] adapter plugs a [Store] into the session coordinator.
package history

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Status of a stored session.
const (
	StatusFinal   = "final"
	StatusFailure = "failure"
)

// defaultRecentLimit is used by Recent when limit is not positive.
const defaultRecentLimit = 50

// Record is one stored session.
type Record struct {
	ID        int64
	SessionID uint64
	StartedAt time.Time
	Duration  time.Duration
	Engine    string
	Language  string
	Status    string
	RawText   string
	Text      string
	Error     string
}

// Store is a transcript history backend. Implementations are safe for
// concurrent use.
type Store interface {
	// Add stores r and returns its row ID.
	Add(ctx context.Context, r Record) (int64, error)

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Ping checks the connection. It doubles as a readiness check.
	Ping(ctx context.Context) error

	Close() error
}

// Open opens the history named by target: a postgres:// or postgresql://
// DSN selects [OpenPostgres], anything else is a SQLite file path.
func Open(ctx context.Context, target string) (Store, error) {
	if target == "" {
		return nil, errors.New("history: empty database path")
	}
	if IsPostgresDSN(target) {
		return OpenPostgres(ctx, target)
	}
	return OpenSQLite(ctx, target)
}

// IsPostgresDSN reports whether target is a PostgreSQL connection URL.
func IsPostgresDSN(target string) bool {
	return strings.HasPrefix(target, "postgres://") || strings.HasPrefix(target, "postgresql://")
}
