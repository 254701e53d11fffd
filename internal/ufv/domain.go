// Package ufv resolves Unidad de Fomento de Vivienda readings used to index carried fiscal credit.
package ufv

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/shared"
)

// DefaultLookbackDays bounds how far before a business day a published reading may be reused.
const DefaultLookbackDays = 7

// ErrIndexUnavailable indicates no usable reading exists for the requested day.
var ErrIndexUnavailable = errors.New("ufv: index reading unavailable")

// ErrInvalidReading rejects a published reading without a date or with a non-positive value.
var ErrInvalidReading = errors.New("ufv: invalid reading")

// Reading is a single published UFV value.
type Reading struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// Pair bundles the start and end readings of a period.
type Pair struct {
	Start Reading `json:"start"`
	End   Reading `json:"end"`
}

// LastBusinessDay returns the last Monday-to-Friday date of the period.
func LastBusinessDay(p shared.Period) time.Time {
	day := p.LastDay()
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, -1)
	}
	return day
}
