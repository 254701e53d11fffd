package close

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-tax/internal/platform/db"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
)

// Store is the persistence port used by the Service.
type Store interface {
	WithTenantLock(ctx context.Context, tenant string, mode LockMode, fn func(context.Context, TxStore) error) error
	ListClosedPeriods(ctx context.Context, tenant string, year int) ([]ClosedPeriod, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// TxStore exposes operations available while holding a tenant lock.
type TxStore interface {
	GetExplicitParameters(ctx context.Context, tenant string, period shared.Period) (*Parameters, error)
	SaveParameters(ctx context.Context, params Parameters) error
	GetClosedPeriod(ctx context.Context, tenant string, period shared.Period) (*ClosedPeriod, error)
	InsertClosedPeriod(ctx context.Context, record ClosedPeriod) error
	ReplaceClosedPeriod(ctx context.Context, record ClosedPeriod) error
	DeleteClosedPeriod(ctx context.Context, tenant string, period shared.Period) error
	ListClosedAfter(ctx context.Context, tenant string, period shared.Period) ([]ClosedPeriod, error)
}

// Repository persists parameters and closed periods in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTenantLock runs fn in a read-committed transaction holding the tenant's advisory lock.
// Read committed is required so statements after the lock see rows committed while waiting for it.
func (r *Repository) WithTenantLock(ctx context.Context, tenant string, mode LockMode, fn func(context.Context, TxStore) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("close: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if err := db.LockXact(ctx, tx, shared.TenantLockKey(tenant), mode == LockShared); err != nil {
			return err
		}
		return fn(ctx, &txRepo{tx: tx})
	})
}

const closedPeriodColumns = `id, tenant_id, year, month, opening_source, input, result, revision, reason, closed_by, closed_at`

// ListClosedPeriods returns closed records ordered by period. A zero year returns all of them.
func (r *Repository) ListClosedPeriods(ctx context.Context, tenant string, year int) ([]ClosedPeriod, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+closedPeriodColumns+` FROM tax_closed_periods
WHERE tenant_id = $1 AND ($2 = 0 OR year = $2)
ORDER BY year, month`, tenant, year)
	if err != nil {
		return nil, err
	}
	return collectClosedPeriods(rows)
}

// ListTenants returns every tenant with at least one closed period.
func (r *Repository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM tax_closed_periods ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *txRepo) GetExplicitParameters(ctx context.Context, tenant string, period shared.Period) (*Parameters, error) {
	params := Parameters{Tenant: tenant, Period: period}
	err := t.tx.QueryRow(ctx, `SELECT ufv_start, ufv_end, prior_credit_balance, prior_profit_tax_credit, updated_by, updated_at
FROM tax_period_parameters WHERE tenant_id = $1 AND year = $2 AND month = $3`, tenant, period.Year, period.Month).
		Scan(&params.UFVStart, &params.UFVEnd, &params.PriorCreditBalance, &params.PriorProfitTaxCredit, &params.UpdatedBy, &params.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &params, nil
}

func (t *txRepo) SaveParameters(ctx context.Context, params Parameters) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO tax_period_parameters
(tenant_id, year, month, ufv_start, ufv_end, prior_credit_balance, prior_profit_tax_credit, updated_by, updated_at)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9)
ON CONFLICT (tenant_id, year, month) DO UPDATE SET
	ufv_start = EXCLUDED.ufv_start,
	ufv_end = EXCLUDED.ufv_end,
	prior_credit_balance = EXCLUDED.prior_credit_balance,
	prior_profit_tax_credit = EXCLUDED.prior_profit_tax_credit,
	updated_by = EXCLUDED.updated_by,
	updated_at = EXCLUDED.updated_at`,
		params.Tenant, params.Period.Year, params.Period.Month,
		params.UFVStart.String(), params.UFVEnd.String(),
		params.PriorCreditBalance.String(), params.PriorProfitTaxCredit.String(),
		params.UpdatedBy, params.UpdatedAt)
	return err
}

func (t *txRepo) GetClosedPeriod(ctx context.Context, tenant string, period shared.Period) (*ClosedPeriod, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+closedPeriodColumns+` FROM tax_closed_periods
WHERE tenant_id = $1 AND year = $2 AND month = $3`, tenant, period.Year, period.Month)
	if err != nil {
		return nil, err
	}
	records, err := collectClosedPeriods(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

func (t *txRepo) InsertClosedPeriod(ctx context.Context, record ClosedPeriod) error {
	args, err := closedPeriodArgs(record)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO tax_closed_periods (`+closedPeriodColumns+`, closing_credit_balance, closing_profit_tax_credit)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::numeric, $13::numeric)`, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyClosed
		}
		return err
	}
	return nil
}

func (t *txRepo) ReplaceClosedPeriod(ctx context.Context, record ClosedPeriod) error {
	args, err := closedPeriodArgs(record)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE tax_closed_periods SET
	id = $1, opening_source = $5, input = $6, result = $7, revision = $8, reason = $9,
	closed_by = $10, closed_at = $11, closing_credit_balance = $12::numeric, closing_profit_tax_credit = $13::numeric
WHERE tenant_id = $2 AND year = $3 AND month = $4`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) DeleteClosedPeriod(ctx context.Context, tenant string, period shared.Period) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM tax_closed_periods WHERE tenant_id = $1 AND year = $2 AND month = $3`,
		tenant, period.Year, period.Month)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) ListClosedAfter(ctx context.Context, tenant string, period shared.Period) ([]ClosedPeriod, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+closedPeriodColumns+` FROM tax_closed_periods
WHERE tenant_id = $1 AND (year, month) > ($2, $3)
ORDER BY year, month`, tenant, period.Year, period.Month)
	if err != nil {
		return nil, err
	}
	return collectClosedPeriods(rows)
}

func closedPeriodArgs(record ClosedPeriod) ([]any, error) {
	inputJSON, err := json.Marshal(record.Input)
	if err != nil {
		return nil, err
	}
	resultJSON, err := json.Marshal(record.Result)
	if err != nil {
		return nil, err
	}
	return []any{
		record.ID, record.Tenant, record.Period.Year, record.Period.Month,
		string(record.OpeningSource), inputJSON, resultJSON, record.Revision, record.Reason,
		record.ClosedBy, record.ClosedAt,
		record.Result.VAT.ClosingCreditBalance.String(),
		record.Result.TransactionTax.ClosingProfitTaxCredit.String(),
	}, nil
}

func collectClosedPeriods(rows pgx.Rows) ([]ClosedPeriod, error) {
	defer rows.Close()
	var out []ClosedPeriod
	for rows.Next() {
		var (
			record     ClosedPeriod
			source     string
			inputJSON  []byte
			resultJSON []byte
		)
		if err := rows.Scan(&record.ID, &record.Tenant, &record.Period.Year, &record.Period.Month,
			&source, &inputJSON, &resultJSON, &record.Revision, &record.Reason,
			&record.ClosedBy, &record.ClosedAt); err != nil {
			return nil, err
		}
		record.OpeningSource = Source(source)
		if err := json.Unmarshal(inputJSON, &record.Input); err != nil {
			return nil, fmt.Errorf("close: decode input snapshot: %w", err)
		}
		if err := json.Unmarshal(resultJSON, &record.Result); err != nil {
			return nil, fmt.Errorf("close: decode result snapshot: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
