package writer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openregistry/bizmirror/internal/upstream"
)

type dbEntityStore struct {
	pool *pgxpool.Pool
}

// NewDBEntityStore creates a database-backed entity store. The caller is
// responsible for closing the pool when done.
func NewDBEntityStore(pool *pgxpool.Pool) (EntityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &dbEntityStore{pool: pool}, nil
}

func (d *dbEntityStore) Begin(ctx context.Context) (EntityTx, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &dbEntityTx{tx: tx}, nil
}

func (d *dbEntityStore) RefreshAggregates(ctx context.Context) error {
	// CONCURRENTLY keeps readers of the view unblocked during the rebuild.
	_, err := d.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY company_stats`)
	if err != nil {
		return fmt.Errorf("failed to refresh company_stats: %w", err)
	}
	return nil
}

func (d *dbEntityStore) CountCompanies(ctx context.Context) (int64, error) {
	var count int64
	if err := d.pool.QueryRow(ctx, `SELECT count(*) FROM company`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count companies: %w", err)
	}
	return count, nil
}

type dbEntityTx struct {
	tx pgx.Tx
}

func (t *dbEntityTx) UpsertCompany(ctx context.Context, company *upstream.Company) (UpsertOutcome, error) {
	if company == nil {
		return UpsertOutcome{}, fmt.Errorf("company is required")
	}

	details := company.Raw
	if len(details) == 0 {
		details = []byte("{}")
	}

	var outcome UpsertOutcome
	err := t.tx.QueryRow(ctx, `
		INSERT INTO company (
			org_number, name, org_form, industry_code, municipality,
			website, employee_count, registered_at, details
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::date, $9)
		ON CONFLICT (org_number) DO UPDATE SET
			name           = EXCLUDED.name,
			org_form       = EXCLUDED.org_form,
			industry_code  = EXCLUDED.industry_code,
			municipality   = EXCLUDED.municipality,
			website        = EXCLUDED.website,
			employee_count = EXCLUDED.employee_count,
			registered_at  = EXCLUDED.registered_at,
			details        = EXCLUDED.details,
			updated_at     = now()
		RETURNING (xmax = 0), (last_polled_at IS NULL)`,
		company.OrgNumber, company.Name, company.OrgForm, company.IndustryCode,
		company.Municipality, company.Website, company.EmployeeCount,
		company.RegisteredAt, details,
	).Scan(&outcome.Created, &outcome.NewlyDiscovered)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("failed to upsert company %s: %w", company.OrgNumber, err)
	}
	return outcome, nil
}

func (t *dbEntityTx) UpsertFinancialStatement(ctx context.Context, orgNumber string, fs *upstream.FinancialStatement) error {
	if fs == nil {
		return fmt.Errorf("financial statement is required")
	}

	payload := fs.Raw
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO financial_statement (
			org_number, year, currency, revenue, operating_profit,
			net_income, total_assets, equity, payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (org_number, year) DO UPDATE SET
			currency         = EXCLUDED.currency,
			revenue          = EXCLUDED.revenue,
			operating_profit = EXCLUDED.operating_profit,
			net_income       = EXCLUDED.net_income,
			total_assets     = EXCLUDED.total_assets,
			equity           = EXCLUDED.equity,
			payload          = EXCLUDED.payload,
			updated_at       = now()`,
		orgNumber, fs.Year, fs.Currency, fs.Revenue, fs.OperatingProfit,
		fs.NetIncome, fs.TotalAssets, fs.Equity, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert statement %s/%d: %w", orgNumber, fs.Year, err)
	}
	return nil
}

func (t *dbEntityTx) MarkPolled(ctx context.Context, orgNumber string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE company SET last_polled_at = now() WHERE org_number = $1`, orgNumber)
	if err != nil {
		return fmt.Errorf("failed to mark company %s polled: %w", orgNumber, err)
	}
	return nil
}

func (t *dbEntityTx) Savepoint(ctx context.Context, name string) error {
	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", name, err)
	}
	return nil
}

func (t *dbEntityTx) ReleaseSavepoint(ctx context.Context, name string) error {
	if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", name, err)
	}
	return nil
}

func (t *dbEntityTx) RollbackToSavepoint(ctx context.Context, name string) error {
	if _, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("failed to roll back to savepoint %s: %w", name, err)
	}
	return nil
}

func (t *dbEntityTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *dbEntityTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
