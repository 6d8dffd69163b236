package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openregistry/bizmirror/internal/telemetry"
	"github.com/openregistry/bizmirror/internal/upstream"
)

// entityProcessor is the slice of the sync pipeline the workers need: one
// entity's fetch+persist, returning the number of dependent records written.
type entityProcessor interface {
	ProcessOne(ctx context.Context, orgNumber string) (int, error)
}

// Pool drains the import queue with a fixed number of concurrent workers.
// Each worker claims one item at a time; a worker exits when the queue has
// no pending items left. The upstream API budget is enforced inside the
// processor, independent of the worker count.
type Pool struct {
	queue     QueueStore
	processor entityProcessor
	metrics   *telemetry.ImportMetrics
	log       *slog.Logger
}

// NewPool wires a worker pool over the given queue. metrics may be nil.
func NewPool(queue QueueStore, processor entityProcessor, metrics *telemetry.ImportMetrics, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		queue:     queue,
		processor: processor,
		metrics:   metrics,
		log:       log,
	}
}

// Run opens a batch, drains the queue with workerCount workers, and closes
// the batch with aggregate counts once every worker has finished. The closed
// batch summary is returned even when the run was cut short by cancellation.
func (p *Pool) Run(ctx context.Context, workerCount int) (*Batch, error) {
	if workerCount < 1 {
		workerCount = 1
	}

	progress, err := p.queue.Progress(ctx)
	if err != nil {
		return nil, err
	}

	name := "import-" + time.Now().UTC().Format("20060102-150405")
	batchID, err := p.queue.CreateBatch(ctx, name, progress.Pending)
	if err != nil {
		return nil, err
	}

	p.log.Info("starting bulk import",
		"batch", name, "pending", progress.Pending, "workers", workerCount)

	var completed, failed atomic.Int64

	group, gctx := errgroup.WithContext(ctx)
	for i := range workerCount {
		worker := i
		group.Go(func() error {
			return p.runWorker(gctx, worker, &completed, &failed)
		})
	}
	runErr := group.Wait()

	// The batch row is closed even after cancellation so the partial counts
	// are visible to operators.
	closeCtx := context.WithoutCancel(ctx)
	batch, closeErr := p.queue.CloseBatch(closeCtx, batchID, completed.Load(), failed.Load())
	if closeErr != nil {
		return nil, errors.Join(runErr, closeErr)
	}

	p.log.Info("bulk import finished",
		"batch", name, "completed", batch.CompletedCount, "failed", batch.FailedCount)
	return batch, runErr
}

// runWorker claims and processes queue items until none remain.
func (p *Pool) runWorker(ctx context.Context, worker int, completed, failed *atomic.Int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := p.queue.DequeueNext(ctx)
		if err != nil {
			return fmt.Errorf("worker %d: %w", worker, err)
		}
		if item == nil {
			return nil
		}

		start := time.Now()
		statementCount, err := p.processor.ProcessOne(ctx, item.OrgNumber)
		switch {
		case errors.Is(err, upstream.ErrNotFound):
			if err := p.queue.MarkSkipped(ctx, item.OrgNumber); err != nil {
				return err
			}
			p.metrics.RecordItem(ctx, time.Since(start), string(StatusSkipped))

		case err != nil:
			// No automatic retry; the operator resets failed items in bulk.
			if markErr := p.queue.MarkFailed(ctx, item.OrgNumber, err.Error()); markErr != nil {
				return markErr
			}
			failed.Add(1)
			p.metrics.RecordItem(ctx, time.Since(start), string(StatusFailed))
			p.log.Warn("import item failed",
				"org_number", item.OrgNumber, "attempt", item.AttemptCount, "error", err)

		default:
			if err := p.queue.MarkCompleted(ctx, item.OrgNumber, statementCount); err != nil {
				return err
			}
			completed.Add(1)
			p.metrics.RecordItem(ctx, time.Since(start), string(StatusCompleted))
		}
	}
}
