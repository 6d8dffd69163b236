package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openregistry/bizmirror/internal/upstream"
)

type dbQueueStore struct {
	pool *pgxpool.Pool
}

// NewDBQueueStore creates a database-backed queue store. The caller owns
// the pool.
func NewDBQueueStore(pool *pgxpool.Pool) (QueueStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &dbQueueStore{pool: pool}, nil
}

func (d *dbQueueStore) Enqueue(ctx context.Context, orgNumbers []string, priority int) (EnqueueResult, error) {
	var result EnqueueResult

	valid := make([]string, 0, len(orgNumbers))
	for _, org := range orgNumbers {
		if !upstream.ValidOrgNumber(org) {
			result.Skipped++
			continue
		}
		valid = append(valid, org)
	}
	if len(valid) == 0 {
		return result, nil
	}

	tag, err := d.pool.Exec(ctx, `
		INSERT INTO import_queue_item (org_number, priority)
		SELECT unnest($1::text[]), $2
		ON CONFLICT (org_number) DO NOTHING`,
		valid, priority)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to enqueue items: %w", err)
	}

	result.Added = int(tag.RowsAffected())
	result.Skipped += len(valid) - result.Added
	return result, nil
}

// DequeueNext claims one pending item. SKIP LOCKED keeps concurrent workers
// from blocking on (or double-claiming) the same row.
func (d *dbQueueStore) DequeueNext(ctx context.Context) (*Item, error) {
	var item Item
	err := d.pool.QueryRow(ctx, `
		UPDATE import_queue_item
		SET status = 'IN_PROGRESS', attempt_count = attempt_count + 1, started_at = now()
		WHERE org_number = (
			SELECT org_number FROM import_queue_item
			WHERE status = 'PENDING'
			ORDER BY priority ASC, queued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING org_number, status, priority, attempt_count, queued_at, started_at`,
	).Scan(&item.OrgNumber, &item.Status, &item.Priority, &item.AttemptCount,
		&item.QueuedAt, &item.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue item: %w", err)
	}
	return &item, nil
}

func (d *dbQueueStore) MarkCompleted(ctx context.Context, orgNumber string, statementCount int) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE import_queue_item
		SET status = 'COMPLETED', completed_at = now(), statement_count = $2, last_error = NULL
		WHERE org_number = $1`,
		orgNumber, statementCount)
	if err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", orgNumber, err)
	}
	return nil
}

func (d *dbQueueStore) MarkSkipped(ctx context.Context, orgNumber string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE import_queue_item
		SET status = 'SKIPPED', completed_at = now()
		WHERE org_number = $1`,
		orgNumber)
	if err != nil {
		return fmt.Errorf("failed to mark %s skipped: %w", orgNumber, err)
	}
	return nil
}

func (d *dbQueueStore) MarkFailed(ctx context.Context, orgNumber string, cause string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE import_queue_item
		SET status = 'FAILED', completed_at = now(), last_error = $2
		WHERE org_number = $1`,
		orgNumber, cause)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", orgNumber, err)
	}
	return nil
}

func (d *dbQueueStore) RetryFailed(ctx context.Context) (int64, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE import_queue_item
		SET status = 'PENDING', last_error = NULL, started_at = NULL, completed_at = NULL
		WHERE status = 'FAILED'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (d *dbQueueStore) Progress(ctx context.Context) (Progress, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT status, count(*) FROM import_queue_item GROUP BY status`)
	if err != nil {
		return Progress{}, fmt.Errorf("failed to read queue progress: %w", err)
	}
	defer rows.Close()

	var progress Progress
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Progress{}, fmt.Errorf("failed to scan queue progress: %w", err)
		}
		switch status {
		case StatusPending:
			progress.Pending = count
		case StatusInProgress:
			progress.InProgress = count
		case StatusCompleted:
			progress.Completed = count
		case StatusFailed:
			progress.Failed = count
		case StatusSkipped:
			progress.Skipped = count
		}
	}
	if err := rows.Err(); err != nil {
		return Progress{}, fmt.Errorf("failed to read queue progress: %w", err)
	}
	return progress, nil
}

func (d *dbQueueStore) CreateBatch(ctx context.Context, name string, total int64) (uuid.UUID, error) {
	var id uuid.UUID
	err := d.pool.QueryRow(ctx, `
		INSERT INTO import_batch (name, total)
		VALUES ($1, $2)
		RETURNING id`,
		name, total).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create import batch: %w", err)
	}
	return id, nil
}

func (d *dbQueueStore) CloseBatch(ctx context.Context, id uuid.UUID, completed, failed int64) (*Batch, error) {
	var batch Batch
	err := d.pool.QueryRow(ctx, `
		UPDATE import_batch
		SET completed_at = now(), completed_count = $2, failed_count = $3
		WHERE id = $1
		RETURNING id, name, started_at, completed_at, total, completed_count, failed_count`,
		id, completed, failed,
	).Scan(&batch.ID, &batch.Name, &batch.StartedAt, &batch.CompletedAt,
		&batch.Total, &batch.CompletedCount, &batch.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("failed to close import batch %s: %w", id, err)
	}
	return &batch, nil
}
