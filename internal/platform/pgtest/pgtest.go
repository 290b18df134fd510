// Package pgtest starts a migrated Postgres container for integration tests.
package pgtest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Image is the Postgres image the integration suites run against.
const Image = "postgres:16-alpine"

// New starts a fresh database, applies every *.up.sql migration in file name order and
// returns a pool. The container and pool are released when the test ends.
func New(t testing.TB) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, Image,
		postgrescontainer.WithDatabase("steps"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
		postgrescontainer.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, pg)
	require.NoError(t, err)

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	Migrate(t, pool)
	return pool
}

// Migrate applies the repository's up migrations to pool.
func Migrate(t testing.TB, pool *pgxpool.Pool) {
	t.Helper()

	files, err := filepath.Glob(filepath.Join(migrationsDir(t), "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no up migrations found")
	sort.Strings(files)

	for _, file := range files {
		sql, err := os.ReadFile(file)
		require.NoErrorf(t, err, "read %s", filepath.Base(file))
		_, err = pool.Exec(context.Background(), string(sql))
		require.NoErrorf(t, err, "apply %s", filepath.Base(file))
	}
}

func migrationsDir(t testing.TB) string {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "db", "postgres", "migrations")
}
