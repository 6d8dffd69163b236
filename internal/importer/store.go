// Package importer implements the bulk import queue and its worker pool:
// a durable priority queue of organization numbers drained by N concurrent
// workers that reuse the sync pipeline's single-entity fetch+persist path.
package importer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queue item. The only legal transitions
// are pending to in_progress to completed, failed or skipped, and failed
// back to pending through an explicit retry.
type Status string

// Queue item statuses (must match the PostgreSQL import_status enum values).
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// Item is one entry of the durable import queue.
type Item struct {
	OrgNumber      string
	Status         Status
	Priority       int
	AttemptCount   int
	QueuedAt       time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	StatementCount int
	LastError      string
}

// EnqueueResult reports how an enqueue call split its identifiers.
type EnqueueResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// Progress holds per-status item counts for the whole queue.
type Progress struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
}

// Total returns the queue size across all statuses.
func (p Progress) Total() int64 {
	return p.Pending + p.InProgress + p.Completed + p.Failed + p.Skipped
}

// Batch summarizes one bulk import invocation.
type Batch struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Total          int64      `json:"total"`
	CompletedCount int64      `json:"completed"`
	FailedCount    int64      `json:"failed"`
}

// QueueStore is the durable storage behind the import queue.
type QueueStore interface {
	// Enqueue inserts one pending item per identifier unless one already
	// exists. Duplicates keep their existing priority and are counted as
	// skipped.
	Enqueue(ctx context.Context, orgNumbers []string, priority int) (EnqueueResult, error)

	// DequeueNext atomically claims the highest-priority, oldest-queued
	// pending item: marks it in_progress, increments its attempt count and
	// records started_at. Returns nil when no pending items remain.
	DequeueNext(ctx context.Context) (*Item, error)

	MarkCompleted(ctx context.Context, orgNumber string, statementCount int) error
	MarkSkipped(ctx context.Context, orgNumber string) error
	MarkFailed(ctx context.Context, orgNumber string, cause string) error

	// RetryFailed resets all failed items to pending with last_error
	// cleared, returning how many were reset.
	RetryFailed(ctx context.Context) (int64, error)

	Progress(ctx context.Context) (Progress, error)

	CreateBatch(ctx context.Context, name string, total int64) (uuid.UUID, error)
	CloseBatch(ctx context.Context, id uuid.UUID, completed, failed int64) (*Batch, error)
}
