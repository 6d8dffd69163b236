package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dbCursorStore struct {
	pool *pgxpool.Pool
}

// NewDBCursorStore creates a database-backed cursor store on the sync_state
// table. The caller owns the pool.
func NewDBCursorStore(pool *pgxpool.Pool) CursorStore {
	return &dbCursorStore{pool: pool}
}

func (d *dbCursorStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := d.pool.QueryRow(ctx,
		`SELECT value FROM sync_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync state %q: %w", key, err)
	}
	return value, nil
}

func (d *dbCursorStore) SetState(ctx context.Context, key, value string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync state %q: %w", key, err)
	}
	return nil
}
