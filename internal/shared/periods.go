package shared

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period statuses for a tenant's tax period.
const (
	PeriodStatusOpen   = "OPEN"
	PeriodStatusClosed = "CLOSED"
)

// MinPeriodYear is the first full calendar year with published UFV readings.
const MinPeriodYear = 2001

// ErrInvalidPeriodTransition indicates status change not allowed.
var ErrInvalidPeriodTransition = errors.New("period transition invalid")

// ErrMalformedPeriod indicates a period key that cannot be parsed or is out of range.
var ErrMalformedPeriod = errors.New("period malformed")

// Period identifies a monthly tax period. It is encoded as a YYYY-MM string.
type Period struct {
	Year  int
	Month int
}

// NewPeriod builds a period from calendar values.
func NewPeriod(year, month int) Period {
	return Period{Year: year, Month: month}
}

// ParsePeriod reads a YYYY-MM key.
func ParsePeriod(raw string) (Period, error) {
	parts := strings.Split(strings.TrimSpace(raw), "-")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) != 2 {
		return Period{}, fmt.Errorf("%w: %q", ErrMalformedPeriod, raw)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrMalformedPeriod, raw)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrMalformedPeriod, raw)
	}
	p := Period{Year: year, Month: month}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// Validate checks the month range and the index epoch.
func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return fmt.Errorf("%w: month %d out of range", ErrMalformedPeriod, p.Month)
	}
	if p.Year < MinPeriodYear {
		return fmt.Errorf("%w: year %d before %d", ErrMalformedPeriod, p.Year, MinPeriodYear)
	}
	return nil
}

// Prev returns the immediately preceding period.
func (p Period) Prev() Period {
	if p.Month == 1 {
		return Period{Year: p.Year - 1, Month: 12}
	}
	return Period{Year: p.Year, Month: p.Month - 1}
}

// Next returns the immediately following period.
func (p Period) Next() Period {
	if p.Month == 12 {
		return Period{Year: p.Year + 1, Month: 1}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Before reports whether p is strictly earlier than other.
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

// FirstDay returns the first calendar day of the period in UTC.
func (p Period) FirstDay() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// LastDay returns the last calendar day of the period in UTC.
func (p Period) LastDay() time.Time {
	return p.FirstDay().AddDate(0, 1, -1)
}

// String renders the period as YYYY-MM.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// MarshalText implements encoding.TextMarshaler.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Period) UnmarshalText(text []byte) error {
	parsed, err := ParsePeriod(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ValidatePeriodTransition checks transitions according to policy. Leaving CLOSED,
// either by re-closing or reopening, requires an explicit override.
func ValidatePeriodTransition(current, target string, hasOverride bool) error {
	switch current {
	case PeriodStatusOpen:
		if target == PeriodStatusOpen || target == PeriodStatusClosed {
			return nil
		}
	case PeriodStatusClosed:
		if hasOverride && (target == PeriodStatusClosed || target == PeriodStatusOpen) {
			return nil
		}
	}
	return ErrInvalidPeriodTransition
}
