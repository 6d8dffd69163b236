package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/openregistry/bizmirror/internal/sync/state"
	"github.com/openregistry/bizmirror/internal/sync/writer"
	"github.com/openregistry/bizmirror/internal/telemetry"
)

// Options selects the resume point for one incremental sync run. When both
// are zero the runner resumes from the persisted cursor, falling back to the
// last completed run date and finally to today.
type Options struct {
	// StartCursor resumes the feed after this sequence id.
	StartCursor int64

	// SinceDate requests all events since this calendar date. Ignored when
	// a sequence cursor is available.
	SinceDate time.Time
}

// Runner drives one incremental sync run end to end: page iteration, chunk
// processing, cursor commits, and the final aggregate refresh.
type Runner struct {
	fetcher   *Fetcher
	processor *Processor
	cursors   state.CursorStore
	store     writer.EntityStore
	metrics   *telemetry.SyncMetrics
	log       *slog.Logger
}

// NewRunner wires a sync runner. metrics may be nil.
func NewRunner(fetcher *Fetcher, processor *Processor, cursors state.CursorStore, store writer.EntityStore, metrics *telemetry.SyncMetrics, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		fetcher:   fetcher,
		processor: processor,
		cursors:   cursors,
		store:     store,
		metrics:   metrics,
		log:       log,
	}
}

// Run executes one incremental sync. Entity-level failures are absorbed into
// the returned BatchResult; the error return is reserved for run-aborting
// conditions (cancellation, cursor-commit failure, broken storage). The
// BatchResult is returned alongside the error so callers can see how far the
// run got before aborting.
func (r *Runner) Run(ctx context.Context, opts Options) (*BatchResult, error) {
	batch := &BatchResult{StartedAt: time.Now()}
	defer func() {
		batch.FinishedAt = time.Now()
		r.metrics.RecordRun(ctx, batch.Duration(),
			int64(batch.EntitiesSeen), int64(batch.APIErrors), int64(batch.DBErrors))
	}()

	startCursor, since, err := r.resolveStart(ctx, opts)
	if err != nil {
		return batch, err
	}
	committedCursor := startCursor
	batch.LastSequenceID = startCursor

	r.log.Info("starting incremental sync",
		"start_cursor", startCursor, "since", since.Format(time.DateOnly))

	query := r.fetcher.FirstQuery(startCursor, since)
	for {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		page, err := r.fetcher.FetchPage(ctx, query)
		if err != nil {
			return batch, fmt.Errorf("failed to fetch change feed page: %w", err)
		}
		batch.PagesFetched++
		batch.EntitiesSeen += len(page.Events)

		fetchable, skipped := r.fetcher.PartitionEvents(page.Events)
		batch.Skipped += skipped

		if err := r.processor.ProcessPage(ctx, fetchable, batch); err != nil {
			return batch, err
		}

		// Resumability commit point: the cursor only ever moves forward,
		// and only after the page's persistence phase has run.
		if maxSeq := page.MaxSequenceID(); maxSeq > committedCursor {
			if err := r.cursors.SetState(ctx, state.KeyLastSequence, strconv.FormatInt(maxSeq, 10)); err != nil {
				return batch, fmt.Errorf("failed to commit cursor at %d: %w", maxSeq, err)
			}
			committedCursor = maxSeq
			batch.LastSequenceID = maxSeq
		}

		next, ok := r.fetcher.NextQuery(page)
		if !ok {
			break
		}
		query = next
	}

	if err := r.cursors.SetState(ctx, state.KeyLastRunDate, time.Now().UTC().Format(time.DateOnly)); err != nil {
		return batch, fmt.Errorf("failed to record run date: %w", err)
	}

	// Fire-and-forget: a failed refresh does not invalidate the sync that
	// just completed.
	if err := r.store.RefreshAggregates(ctx); err != nil {
		r.log.Warn("failed to refresh aggregates", "error", err)
	}
	if count, err := r.store.CountCompanies(ctx); err == nil {
		r.metrics.RecordCompaniesTotal(ctx, count)
	}

	r.log.Info("incremental sync complete",
		"pages", batch.PagesFetched,
		"entities", batch.EntitiesSeen,
		"created", batch.Created,
		"updated", batch.Updated,
		"skipped", batch.Skipped,
		"api_errors", batch.APIErrors,
		"db_errors", batch.DBErrors,
		"last_sequence", batch.LastSequenceID)
	return batch, nil
}

// resolveStart picks the resume point: explicit cursor, then persisted
// cursor, then explicit date, then last run date, then today.
func (r *Runner) resolveStart(ctx context.Context, opts Options) (int64, time.Time, error) {
	if opts.StartCursor > 0 {
		return opts.StartCursor, time.Time{}, nil
	}

	raw, err := r.cursors.GetState(ctx, state.KeyLastSequence)
	if err != nil {
		return 0, time.Time{}, err
	}
	if raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("corrupt sequence cursor %q: %w", raw, err)
		}
		return seq, time.Time{}, nil
	}

	if !opts.SinceDate.IsZero() {
		return 0, opts.SinceDate, nil
	}

	rawDate, err := r.cursors.GetState(ctx, state.KeyLastRunDate)
	if err != nil {
		return 0, time.Time{}, err
	}
	if rawDate != "" {
		since, err := time.Parse(time.DateOnly, rawDate)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("corrupt run date %q: %w", rawDate, err)
		}
		return 0, since, nil
	}

	return 0, time.Now().UTC(), nil
}
