package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/openregistry/bizmirror/internal/sync/writer"
	"github.com/openregistry/bizmirror/internal/upstream"
)

// entityClient is the slice of the upstream client the processor needs.
type entityClient interface {
	GetCompany(ctx context.Context, orgNumber string) (*upstream.Company, error)
	GetFinancialStatements(ctx context.Context, orgNumber string) ([]upstream.FinancialStatement, error)
}

// Processor runs the fetch-then-persist loop for a page of change events:
// a concurrent, semaphore-bounded fetch phase followed by a sequential
// persist phase with chunked commits.
type Processor struct {
	client entityClient
	store  writer.EntityStore

	// sem bounds in-flight detail fetches process-wide. It is shared with
	// the bulk import workers so both paths together respect the upstream
	// API budget.
	sem *semaphore.Weighted

	chunkSize   int
	commitEvery int
	log         *slog.Logger
}

// NewProcessor creates a chunk processor. chunkSize bounds fetch concurrency
// per chunk, commitEvery bounds how many persisted entities share one
// transaction.
func NewProcessor(client entityClient, store writer.EntityStore, sem *semaphore.Weighted, chunkSize, commitEvery int, log *slog.Logger) *Processor {
	if chunkSize < 1 {
		chunkSize = 1
	}
	if commitEvery < 1 {
		commitEvery = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		client:      client,
		store:       store,
		sem:         sem,
		chunkSize:   chunkSize,
		commitEvery: commitEvery,
		log:         log,
	}
}

// ProcessPage runs all chunks of one page, accumulating counters into batch.
// Entity-level failures are counted, never returned; the error return is
// reserved for run-aborting conditions such as cancellation or a broken
// database connection.
func (p *Processor) ProcessPage(ctx context.Context, events []upstream.ChangeEvent, batch *BatchResult) error {
	for start := 0; start < len(events); start += p.chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+p.chunkSize, len(events))
		results := p.fetchChunk(ctx, events[start:end])
		if err := p.persistChunk(ctx, results, batch); err != nil {
			return err
		}
	}
	return nil
}

// fetchChunk fetches entity details concurrently. Results come back in the
// chunk's original order so the persist phase preserves page ordering. No
// database access happens here.
func (p *Processor) fetchChunk(ctx context.Context, events []upstream.ChangeEvent) []FetchResult {
	results := make([]FetchResult, len(events))
	var wg sync.WaitGroup

	for i, event := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.fetchOne(ctx, event.OrgNumber)
		}()
	}
	wg.Wait()

	return results
}

// fetchOne produces the terminal FetchResult for a single entity.
func (p *Processor) fetchOne(ctx context.Context, orgNumber string) FetchResult {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return FetchResult{OrgNumber: orgNumber, Outcome: OutcomeError, ErrorMessage: err.Error()}
	}
	defer p.sem.Release(1)

	company, err := p.client.GetCompany(ctx, orgNumber)
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		return FetchResult{OrgNumber: orgNumber, Outcome: OutcomeNotFound}
	case err != nil:
		return FetchResult{OrgNumber: orgNumber, Outcome: OutcomeError, ErrorMessage: err.Error()}
	default:
		return FetchResult{OrgNumber: orgNumber, Outcome: OutcomeOK, Company: company}
	}
}

// persistChunk applies the chunk's results sequentially, committing after
// every commitEvery persisted entities. Each entity is written inside a
// savepoint so a single failure rolls back that entity only, not the whole
// commit window.
func (p *Processor) persistChunk(ctx context.Context, results []FetchResult, batch *BatchResult) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open persistence transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	persisted := 0
	for i := range results {
		result := &results[i]
		switch result.Outcome {
		case OutcomeNotFound, OutcomeSkipped:
			batch.Skipped++
			continue
		case OutcomeError:
			batch.APIErrors++
			batch.AddErrorSample(result.OrgNumber + ": " + result.ErrorMessage)
			continue
		}

		if err := p.persistEntity(ctx, tx, result, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		persisted++
		if persisted%p.commitEvery == 0 {
			if err := tx.Commit(ctx); err != nil {
				batch.DBErrors++
				batch.AddErrorSample("commit: " + err.Error())
			}
			tx, err = p.store.Begin(ctx)
			if err != nil {
				return fmt.Errorf("failed to reopen persistence transaction: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		batch.DBErrors++
		batch.AddErrorSample("commit: " + err.Error())
	}
	return nil
}

// persistEntity writes one OK result inside a savepoint. On failure it rolls
// the savepoint back, accounts the failure, and reports a non-nil error so
// the caller does not count the entity as persisted.
func (p *Processor) persistEntity(ctx context.Context, tx writer.EntityTx, result *FetchResult, batch *BatchResult) error {
	const sp = "entity"
	if err := tx.Savepoint(ctx, sp); err != nil {
		batch.DBErrors++
		batch.AddErrorSample(result.OrgNumber + ": " + err.Error())
		return err
	}

	outcome, err := tx.UpsertCompany(ctx, result.Company)
	if err != nil {
		_ = tx.RollbackToSavepoint(ctx, sp)
		batch.DBErrors++
		batch.AddErrorSample(result.OrgNumber + ": " + err.Error())
		p.log.Warn("failed to persist company", "org_number", result.OrgNumber, "error", err)
		return err
	}
	result.NewlyDiscovered = outcome.NewlyDiscovered

	// First sight of a company pulls its dependent records in before the
	// entity is marked polled.
	if outcome.NewlyDiscovered {
		n, err := p.upsertStatements(ctx, tx, result.OrgNumber)
		if err != nil {
			_ = tx.RollbackToSavepoint(ctx, sp)
			batch.APIErrors++
			batch.AddErrorSample(result.OrgNumber + ": statements: " + err.Error())
			p.log.Warn("failed to backfill statements", "org_number", result.OrgNumber, "error", err)
			return err
		}
		batch.StatementsUpserted += n
	}

	if err := tx.MarkPolled(ctx, result.OrgNumber); err != nil {
		_ = tx.RollbackToSavepoint(ctx, sp)
		batch.DBErrors++
		batch.AddErrorSample(result.OrgNumber + ": " + err.Error())
		return err
	}

	if err := tx.ReleaseSavepoint(ctx, sp); err != nil {
		batch.DBErrors++
		batch.AddErrorSample(result.OrgNumber + ": " + err.Error())
		return err
	}

	if outcome.Created {
		batch.Created++
	} else {
		batch.Updated++
	}
	return nil
}

// upsertStatements fetches and writes all financial statements for one
// company, returning how many were written.
func (p *Processor) upsertStatements(ctx context.Context, tx writer.EntityTx, orgNumber string) (int, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	statements, err := p.client.GetFinancialStatements(ctx, orgNumber)
	p.sem.Release(1)
	if err != nil {
		return 0, err
	}

	for i := range statements {
		if err := tx.UpsertFinancialStatement(ctx, orgNumber, &statements[i]); err != nil {
			return 0, err
		}
	}
	return len(statements), nil
}

// ProcessOne applies the same fetch+persist logic to a single entity, as the
// bulk import workers do. Statements are always fetched, not just on first
// discovery, because bulk import exists to backfill them. Returns the number
// of dependent records written.
func (p *Processor) ProcessOne(ctx context.Context, orgNumber string) (int, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	company, err := p.client.GetCompany(ctx, orgNumber)
	p.sem.Release(1)
	if err != nil {
		return 0, err
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open persistence transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.UpsertCompany(ctx, company); err != nil {
		return 0, err
	}

	statementCount, err := p.upsertStatements(ctx, tx, orgNumber)
	if err != nil {
		return 0, err
	}

	if err := tx.MarkPolled(ctx, orgNumber); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return statementCount, nil
}
