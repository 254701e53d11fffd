package ufv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository loads and stores published UFV readings.
type Repository interface {
	LatestOnOrBefore(ctx context.Context, day, floor time.Time) (Reading, error)
	Upsert(ctx context.Context, readings []Reading) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// LatestOnOrBefore returns the newest reading in (floor, day].
func (r *repository) LatestOnOrBefore(ctx context.Context, day, floor time.Time) (Reading, error) {
	var reading Reading
	err := r.pool.QueryRow(ctx, `SELECT rate_date, value FROM ufv_rates
WHERE rate_date <= $1 AND rate_date > $2 ORDER BY rate_date DESC LIMIT 1`, day, floor).
		Scan(&reading.Date, &reading.Value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reading{}, fmt.Errorf("%w: no reading on or before %s", ErrIndexUnavailable, day.Format(time.DateOnly))
		}
		return Reading{}, err
	}
	return reading, nil
}

// Upsert stores readings, replacing values already present for the same day.
func (r *repository) Upsert(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, reading := range readings {
		batch.Queue(`INSERT INTO ufv_rates (rate_date, value, updated_at) VALUES ($1, $2::numeric, NOW())
ON CONFLICT (rate_date) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, reading.Date, reading.Value.String())
	}
	return r.pool.SendBatch(ctx, batch).Close()
}
