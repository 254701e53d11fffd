package ufv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/shared"
)

// Service resolves the UFV pair used to index a period's carried credit.
type Service struct {
	repo         Repository
	cache        *Cache
	lookbackDays int
}

// NewService constructs the resolver. cache may be nil.
func NewService(repo Repository, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache, lookbackDays: DefaultLookbackDays}
}

// WithLookback overrides how many days before a business day a reading may be reused.
func (s *Service) WithLookback(days int) {
	if days > 0 {
		s.lookbackDays = days
	}
}

// Readings returns the reading on the last business day of the previous period
// (start) and of the period itself (end).
func (s *Service) Readings(ctx context.Context, p shared.Period) (Pair, error) {
	if err := p.Validate(); err != nil {
		return Pair{}, err
	}
	start, err := s.ReadingFor(ctx, LastBusinessDay(p.Prev()))
	if err != nil {
		return Pair{}, fmt.Errorf("ufv start for %s: %w", p, err)
	}
	end, err := s.ReadingFor(ctx, LastBusinessDay(p))
	if err != nil {
		return Pair{}, fmt.Errorf("ufv end for %s: %w", p, err)
	}
	return Pair{Start: start, End: end}, nil
}

// ReadingFor returns the reading published for day, falling back to the latest one
// within the lookback window.
func (s *Service) ReadingFor(ctx context.Context, day time.Time) (Reading, error) {
	if s == nil || s.repo == nil {
		return Reading{}, errors.New("ufv: repository not configured")
	}
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	key, err := s.cache.BuildKey(ctx, "reading", day.Format(time.DateOnly))
	if err != nil {
		return Reading{}, err
	}
	return s.cache.FetchReading(ctx, key, func(ctx context.Context) (Reading, error) {
		floor := day.AddDate(0, 0, -s.lookbackDays)
		return s.repo.LatestOnOrBefore(ctx, day, floor)
	})
}

// Publish stores new readings and invalidates cached lookups.
func (s *Service) Publish(ctx context.Context, readings []Reading) error {
	for _, reading := range readings {
		if reading.Date.IsZero() {
			return fmt.Errorf("%w: date required", ErrInvalidReading)
		}
		if reading.Value.Sign() <= 0 {
			return fmt.Errorf("%w: value for %s must be positive", ErrInvalidReading, reading.Date.Format(time.DateOnly))
		}
	}
	if err := s.repo.Upsert(ctx, readings); err != nil {
		return err
	}
	return s.cache.Bump(ctx)
}

// Values is a convenience to extract the decimal pair.
func (p Pair) Values() (decimal.Decimal, decimal.Decimal) {
	return p.Start.Value, p.End.Value
}
