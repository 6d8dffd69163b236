package importer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openregistry/bizmirror/database"
)

func TestDBQueueStore_EnqueueIsIdempotent(t *testing.T) {
	database.SkipIfNoDocker(t)

	pool, cleanup := database.SetupTestPool(t)
	defer cleanup()

	store, err := NewDBQueueStore(pool)
	require.NoError(t, err)
	ctx := context.Background()

	result, err := store.Enqueue(ctx, []string{"111111111", "222222222"}, 5)
	require.NoError(t, err)
	assert.Equal(t, EnqueueResult{Added: 2}, result)

	// Re-enqueueing an existing id is a skip; its priority is untouched.
	result, err = store.Enqueue(ctx, []string{"111111111", "333333333"}, 0)
	require.NoError(t, err)
	assert.Equal(t, EnqueueResult{Added: 1, Skipped: 1}, result)

	var priority int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT priority FROM import_queue_item WHERE org_number = $1`,
		"111111111").Scan(&priority))
	assert.Equal(t, 5, priority)

	// Malformed identifiers never reach the queue.
	result, err = store.Enqueue(ctx, []string{"not-a-number", "444444444"}, 5)
	require.NoError(t, err)
	assert.Equal(t, EnqueueResult{Added: 1, Skipped: 1}, result)
}

func TestDBQueueStore_DequeueOrderAndLifecycle(t *testing.T) {
	database.SkipIfNoDocker(t)

	pool, cleanup := database.SetupTestPool(t)
	defer cleanup()

	store, err := NewDBQueueStore(pool)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Enqueue(ctx, []string{"111111111", "222222222"}, 5)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, []string{"333333333"}, 1)
	require.NoError(t, err)

	// Stagger queued_at so the FIFO tiebreak is deterministic.
	_, err = pool.Exec(ctx,
		`UPDATE import_queue_item SET queued_at = queued_at - interval '1 minute' WHERE org_number = '222222222'`)
	require.NoError(t, err)

	// Lowest priority number first, then oldest queued.
	first, err := store.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "333333333", first.OrgNumber)
	assert.Equal(t, StatusInProgress, first.Status)
	assert.Equal(t, 1, first.AttemptCount)
	require.NotNil(t, first.StartedAt)

	second, err := store.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "222222222", second.OrgNumber)

	third, err := store.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "111111111", third.OrgNumber)

	// Drained queue dequeues nil without error.
	empty, err := store.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, store.MarkCompleted(ctx, "333333333", 7))
	require.NoError(t, store.MarkFailed(ctx, "222222222", "boom"))
	require.NoError(t, store.MarkSkipped(ctx, "111111111"))

	progress, err := store.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), progress.Completed)
	assert.Equal(t, int64(1), progress.Failed)
	assert.Equal(t, int64(1), progress.Skipped)
	assert.Zero(t, progress.Pending)
	assert.Equal(t, int64(3), progress.Total())

	var statementCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT statement_count FROM import_queue_item WHERE org_number = '333333333'`).Scan(&statementCount))
	assert.Equal(t, 7, statementCount)
}

func TestDBQueueStore_RetryFailed(t *testing.T) {
	database.SkipIfNoDocker(t)

	pool, cleanup := database.SetupTestPool(t)
	defer cleanup()

	store, err := NewDBQueueStore(pool)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Enqueue(ctx, []string{"111111111", "222222222", "333333333"}, 5)
	require.NoError(t, err)
	for range 3 {
		item, err := store.DequeueNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)
	}
	require.NoError(t, store.MarkCompleted(ctx, "111111111", 0))
	require.NoError(t, store.MarkFailed(ctx, "222222222", "timeout"))
	require.NoError(t, store.MarkFailed(ctx, "333333333", "timeout"))

	reset, err := store.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reset)

	progress, err := store.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), progress.Pending)
	assert.Equal(t, int64(1), progress.Completed)
	assert.Zero(t, progress.Failed)

	// last_error is cleared on retry; attempt counts are preserved.
	var lastError *string
	var attempts int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT last_error, attempt_count FROM import_queue_item WHERE org_number = '222222222'`).
		Scan(&lastError, &attempts))
	assert.Nil(t, lastError)
	assert.Equal(t, 1, attempts)
}

func TestDBQueueStore_BatchAccounting(t *testing.T) {
	database.SkipIfNoDocker(t)

	pool, cleanup := database.SetupTestPool(t)
	defer cleanup()

	store, err := NewDBQueueStore(pool)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := store.CreateBatch(ctx, "import-test", 10)
	require.NoError(t, err)

	batch, err := store.CloseBatch(ctx, id, 8, 2)
	require.NoError(t, err)
	assert.Equal(t, id, batch.ID)
	assert.Equal(t, "import-test", batch.Name)
	assert.Equal(t, int64(10), batch.Total)
	assert.Equal(t, int64(8), batch.CompletedCount)
	assert.Equal(t, int64(2), batch.FailedCount)
	require.NotNil(t, batch.CompletedAt)
}
