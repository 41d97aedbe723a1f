// Package sqlite implements the message store and delayed job queue on a
// single SQLite file, for single node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/wadispatch/internal/store"
	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS scheduled_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	message TEXT NOT NULL,
	send_at INTEGER NOT NULL,
	recipient TEXT NOT NULL,
	sent INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_messages_session ON scheduled_messages(session_id, send_at);

CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	payload BLOB NOT NULL,
	run_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	visibility_until INTEGER,
	receipt_handle TEXT UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON jobs(queue, run_at);
`

// Store implements store.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open creates the database file if needed and applies the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Opened SQLite store")

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Start() error { return nil }

func (s *Store) Stop() error { return nil }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// retry runs op again while SQLite reports the database as locked.
func retry[T any](ctx context.Context, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if isBusy(err) {
			log.Debug().Str("op", name).Int("attempt", attempt).Msg("SQLite busy, retrying")
			return v, err
		}
		if err != nil {
			return v, backoff.Permanent(err)
		}
		return v, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))
	if isBusy(err) {
		return v, fmt.Errorf("%w: %s: %v", store.ErrBusy, name, err)
	}
	return v, err
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
