// Package postgres implements the message store and delayed job queue on
// PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/wadispatch/internal/store"
)

// Store combines the message store and job queue over one pool.
type Store struct {
	*MessageStore
	*JobStore

	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Config configures a Store.
type Config struct {
	Pool        PoolConfig
	Jobs        JobStoreConfig
	AutoMigrate bool
}

// New connects, optionally migrates, and returns a Store. The pool is closed
// by Close.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := NewPool(ctx, &cfg.Pool)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	jobs, err := NewJobStore(pool, &cfg.Jobs)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{
		MessageStore: NewMessageStore(pool),
		JobStore:     jobs,
		pool:         pool,
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
