// Package writer contains the EntityStore interface and its database
// implementation: persisting companies and financial statements fetched
// from the upstream registry.
package writer

import (
	"context"

	"github.com/openregistry/bizmirror/internal/upstream"
)

// UpsertOutcome describes what an upsert did to the company row.
type UpsertOutcome struct {
	// Created is true when the row did not exist before.
	Created bool

	// NewlyDiscovered is true when the company has never been polled,
	// meaning its dependent records still need a first fetch.
	NewlyDiscovered bool
}

// EntityTx is one persistence transaction. Writes between a Savepoint and
// its Release can be rolled back without abandoning the whole transaction,
// which keeps one bad entity from poisoning the commit window around it.
type EntityTx interface {
	UpsertCompany(ctx context.Context, company *upstream.Company) (UpsertOutcome, error)
	UpsertFinancialStatement(ctx context.Context, orgNumber string, fs *upstream.FinancialStatement) error
	MarkPolled(ctx context.Context, orgNumber string) error

	Savepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// EntityStore opens persistence transactions and serves reads that do not
// need transactional scope.
type EntityStore interface {
	Begin(ctx context.Context) (EntityTx, error)

	// RefreshAggregates rebuilds the downstream aggregate view.
	RefreshAggregates(ctx context.Context) error

	// CountCompanies returns the number of mirrored companies.
	CountCompanies(ctx context.Context) (int64, error)
}
