package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	postgresstore "github.com/wolfeidau/wadispatch/internal/store/postgres"
	sqlitestore "github.com/wolfeidau/wadispatch/internal/store/sqlite"
)

type MigrateCmd struct {
	Store StoreFlags `embed:""`
}

func (m *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	switch m.Store.StoreType {
	case "postgres":
		if m.Store.PostgresStore.ConnString == "" {
			return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
		}
		cfg := m.Store.PostgresStore.config()
		pool, err := postgresstore.NewPool(ctx, &cfg.Pool)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		defer pool.Close()

		if err := postgresstore.RunMigrations(ctx, pool); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

	case "sqlite":
		// the schema is applied on open
		st, err := sqlitestore.Open(m.Store.SQLitePath)
		if err != nil {
			return err
		}
		if err := st.Close(); err != nil {
			return err
		}

	default:
		return errors.New("nothing to migrate for the memory store")
	}

	log.Info().Str("store", m.Store.StoreType).Msg("Database migrations completed")
	return nil
}
