package database

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tclog "github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type nopLogger struct{}

func (*nopLogger) Printf(_ string, _ ...any) {}

var _ tclog.Logger = (*nopLogger)(nil)

var (
	dbName = "testdb"
	dbUser = "testuser"
	dbPass = "testpass"
)

// SkipIfNoDocker skips container-backed tests unless BIZMIRROR_TEST_DB is set.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("BIZMIRROR_TEST_DB") == "" {
		t.Skip("set BIZMIRROR_TEST_DB=1 to run database-backed tests")
	}
}

// SetupTestDB creates a Postgres container using testcontainers and runs migrations.
func SetupTestDB(t *testing.T) (*pgx.Conn, string, func()) {
	t.Helper()

	ctx := context.Background()

	postgresContainer, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		postgres.BasicWaitStrategies(),
		tc.WithLogger(&nopLogger{}),
	)
	require.NoError(t, err)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)

	// Apply, roll back and reapply to exercise both directions.
	require.NoError(t, MigrateUp(ctx, db))
	require.NoError(t, MigrateDown(ctx, db))
	require.NoError(t, MigrateUp(ctx, db))

	cleanupFunc := func() {
		_ = db.Close(ctx)
		tc.CleanupContainer(t, postgresContainer)
	}

	return db, connStr, cleanupFunc
}

// SetupTestPool creates a Postgres container and returns a pgx pool on the
// migrated schema. Intended for store tests.
func SetupTestPool(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	db, connStr, cleanup := SetupTestDB(t)
	_ = db

	pool, err := pgxpool.New(context.Background(), connStr)
	require.NoError(t, err)

	return pool, func() {
		pool.Close()
		cleanup()
	}
}
