// Package ledger reads period aggregates from the tenant's transaction ledger.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/shared"
)

// Document kinds recorded in tax_documents.
const (
	KindSale     = "SALE"
	KindPurchase = "PURCHASE"
)

// Totals are the gross sales and purchases of one period.
type Totals struct {
	GrossSales     decimal.Decimal `json:"gross_sales"`
	GrossPurchases decimal.Decimal `json:"gross_purchases"`
}

// Repository aggregates tax documents.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PeriodTotals sums non-voided documents issued within the period.
func (r *Repository) PeriodTotals(ctx context.Context, tenant string, period shared.Period) (Totals, error) {
	if r == nil || r.pool == nil {
		return Totals{}, errors.New("ledger: repository not initialised")
	}
	if strings.TrimSpace(tenant) == "" {
		return Totals{}, errors.New("ledger: tenant required")
	}
	totals := Totals{GrossSales: decimal.Zero, GrossPurchases: decimal.Zero}
	rows, err := r.pool.Query(ctx, `SELECT kind, COALESCE(SUM(amount), 0)::text
FROM tax_documents
WHERE tenant_id = $1 AND issued_on >= $2 AND issued_on <= $3 AND voided_at IS NULL
GROUP BY kind`, tenant, period.FirstDay(), period.LastDay())
	if err != nil {
		return Totals{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, raw string
		if err := rows.Scan(&kind, &raw); err != nil {
			return Totals{}, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return Totals{}, err
		}
		switch kind {
		case KindSale:
			totals.GrossSales = amount
		case KindPurchase:
			totals.GrossPurchases = amount
		}
	}
	return totals, rows.Err()
}
