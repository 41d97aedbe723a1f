package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	t.Run("ordered by version", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/10_indexes.sql":  {Data: []byte("CREATE INDEX x ON y (z);")},
			"m/2_jobs.sql":      {Data: []byte("CREATE TABLE jobs ();")},
			"m/1_messages.sql":  {Data: []byte("CREATE TABLE scheduled_messages ();")},
			"m/README.md":       {Data: []byte("notes")},
			"m/draft_later.sql": {Data: []byte("SELECT 1;")},
		}

		got, err := loadMigrations(fsys, "m")
		require.NoError(t, err)

		var names []string
		for _, m := range got {
			names = append(names, m.name)
		}
		require.Equal(t, []string{"1_messages.sql", "2_jobs.sql", "10_indexes.sql"}, names)
		require.Equal(t, "CREATE TABLE jobs ();", got[1].sql)
	})

	t.Run("duplicate versions", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/1_a.sql": {Data: []byte("SELECT 1;")},
			"m/1_b.sql": {Data: []byte("SELECT 2;")},
		}

		_, err := loadMigrations(fsys, "m")
		require.ErrorContains(t, err, "share version 1")
	})

	t.Run("embedded schema", func(t *testing.T) {
		got, err := loadMigrations(migrationsFS, "migrations")
		require.NoError(t, err)
		require.NotEmpty(t, got)
		require.Equal(t, 1, got[0].version)
		require.Contains(t, got[0].sql, "scheduled_messages")
	})
}
