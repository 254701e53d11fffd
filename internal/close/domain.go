package close

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-tax/internal/settlement"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
)

// Source names the path used to resolve a period's opening balances.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceCarried  Source = "carried"
	SourceDefault  Source = "default"
)

// LockMode selects how a tenant's closing chain is locked during a unit of work.
type LockMode int

const (
	// LockShared allows concurrent readers but waits for an in-flight close.
	LockShared LockMode = iota
	// LockExclusive serialises writers against readers and other writers.
	LockExclusive
)

// OpeningBalances are the carried balances a period starts from.
type OpeningBalances struct {
	Period               shared.Period   `json:"period"`
	PriorCreditBalance   decimal.Decimal `json:"prior_credit_balance"`
	PriorProfitTaxCredit decimal.Decimal `json:"prior_profit_tax_credit"`
	Source               Source          `json:"source"`
	CarriedFrom          *shared.Period  `json:"carried_from,omitempty"`
}

// NoPriorData reports whether resolution fell back to zero balances.
func (o OpeningBalances) NoPriorData() bool {
	return o.Source == SourceDefault
}

// Parameters is the explicit record an operator saves for a period.
type Parameters struct {
	Tenant               string          `json:"tenant"`
	Period               shared.Period   `json:"period"`
	UFVStart             decimal.Decimal `json:"ufv_start"`
	UFVEnd               decimal.Decimal `json:"ufv_end"`
	PriorCreditBalance   decimal.Decimal `json:"prior_credit_balance"`
	PriorProfitTaxCredit decimal.Decimal `json:"prior_profit_tax_credit"`
	UpdatedBy            int64           `json:"updated_by"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ParametersInput captures validation rules for explicit parameters.
type ParametersInput struct {
	Tenant               string
	Period               shared.Period
	UFVStart             decimal.Decimal
	UFVEnd               decimal.Decimal
	PriorCreditBalance   decimal.Decimal
	PriorProfitTaxCredit decimal.Decimal
	ActorID              int64
}

// Validate ensures the parameters can feed the calculator.
func (in ParametersInput) Validate() error {
	if err := validateKey(in.Tenant, in.Period); err != nil {
		return err
	}
	if in.UFVStart.Sign() <= 0 {
		return fmt.Errorf("%w: ufv_start must be positive", settlement.ErrInvalidIndex)
	}
	if in.UFVEnd.Sign() <= 0 {
		return fmt.Errorf("%w: ufv_end must be positive", settlement.ErrInvalidInput)
	}
	if in.PriorCreditBalance.IsNegative() || in.PriorProfitTaxCredit.IsNegative() {
		return fmt.Errorf("%w: opening balances must not be negative", settlement.ErrInvalidInput)
	}
	return nil
}

// ClosedPeriod is the immutable snapshot a close produces.
type ClosedPeriod struct {
	ID            uuid.UUID         `json:"id"`
	Tenant        string            `json:"tenant"`
	Period        shared.Period     `json:"period"`
	Input         settlement.Input  `json:"input"`
	Result        settlement.Result `json:"result"`
	OpeningSource Source            `json:"opening_source"`
	Revision      int               `json:"revision"`
	Reason        string            `json:"reason,omitempty"`
	ClosedBy      int64             `json:"closed_by"`
	ClosedAt      time.Time         `json:"closed_at"`
}

// EntityID identifies the record in audit trails and lock keys.
func (c ClosedPeriod) EntityID() string {
	return entityID(c.Tenant, c.Period)
}

// Overrides are interactively supplied values that take precedence over stored ones.
type Overrides struct {
	UFVStart             *decimal.Decimal `json:"ufv_start,omitempty"`
	UFVEnd               *decimal.Decimal `json:"ufv_end,omitempty"`
	PriorCreditBalance   *decimal.Decimal `json:"prior_credit_balance,omitempty"`
	PriorProfitTaxCredit *decimal.Decimal `json:"prior_profit_tax_credit,omitempty"`
}

func (o *Overrides) balancesComplete() bool {
	return o != nil && o.PriorCreditBalance != nil && o.PriorProfitTaxCredit != nil
}

func (o *Overrides) indexComplete() bool {
	return o != nil && o.UFVStart != nil && o.UFVEnd != nil
}

// CalculateInput requests a settlement for a stored period.
type CalculateInput struct {
	Tenant         string
	Period         shared.Period
	Overrides      *Overrides
	AcceptDefaults bool
}

// Calculation is the non-persisted outcome of Calculate.
type Calculation struct {
	Input      settlement.Input  `json:"input"`
	Result     settlement.Result `json:"result"`
	Opening    OpeningBalances   `json:"opening"`
	Source     Source            `json:"source"`
	IndexFrom  string            `json:"index_from"`
	Overridden []string          `json:"overridden,omitempty"`
}

// Index provenance values for Calculation.IndexFrom.
const (
	IndexFromExplicit = "explicit"
	IndexFromOverride = "override"
	IndexFromTable    = "ufv_rates"
)

// ClosePeriodInput bundles a previously computed settlement with the caller's confirmation.
type ClosePeriodInput struct {
	Tenant         string
	Period         shared.Period
	Input          settlement.Input
	Result         settlement.Result
	OpeningSource  Source
	Confirm        bool
	Force          bool
	Reason         string
	ActorID        int64
	IdempotencyKey string
}

// Validate ensures the close request is coherent before any storage access.
func (in ClosePeriodInput) Validate() error {
	if err := validateKey(in.Tenant, in.Period); err != nil {
		return err
	}
	if !in.Confirm {
		return ErrConfirmationRequired
	}
	if in.Force && strings.TrimSpace(in.Reason) == "" {
		return ErrReasonRequired
	}
	switch in.OpeningSource {
	case SourceExplicit, SourceCarried, SourceDefault:
	default:
		return fmt.Errorf("%w: unknown opening source %q", settlement.ErrInvalidInput, in.OpeningSource)
	}
	if in.Input.Period != in.Period {
		return fmt.Errorf("%w: input belongs to %s, not %s", ErrResultMismatch, in.Input.Period, in.Period)
	}
	return nil
}

// CloseOutcome reports what a close did.
type CloseOutcome struct {
	Closed          ClosedPeriod    `json:"closed"`
	Replayed        bool            `json:"replayed"`
	Superseded      *ClosedPeriod   `json:"superseded,omitempty"`
	StaleDependents []shared.Period `json:"stale_dependents,omitempty"`
}

// ReopenInput requests removal of a closed record.
type ReopenInput struct {
	Tenant  string
	Period  shared.Period
	Reason  string
	ActorID int64
}

// ReopenOutcome reports the removed snapshot and the periods that carried from it.
type ReopenOutcome struct {
	Removed         ClosedPeriod    `json:"removed"`
	StaleDependents []shared.Period `json:"stale_dependents,omitempty"`
}

// ChainIssue describes a carried period whose opening balance no longer matches its predecessor.
type ChainIssue struct {
	Period      shared.Period    `json:"period"`
	Predecessor shared.Period    `json:"predecessor"`
	Field       string           `json:"field"`
	Expected    *decimal.Decimal `json:"expected,omitempty"`
	Actual      decimal.Decimal  `json:"actual"`
}

// ChainReport is the outcome of VerifyChain.
type ChainReport struct {
	Tenant  string       `json:"tenant"`
	Checked int          `json:"checked"`
	Issues  []ChainIssue `json:"issues"`
}

// Consistent reports whether no issue was found.
func (r ChainReport) Consistent() bool {
	return len(r.Issues) == 0
}

// ErrNoPriorData indicates neither explicit parameters nor a closed predecessor exist.
var ErrNoPriorData = errors.New("close: no prior data for opening balances")

// ErrAlreadyClosed indicates a closed record already exists for the key.
var ErrAlreadyClosed = errors.New("close: period already closed")

// ErrPersistenceFailure wraps transient storage errors.
var ErrPersistenceFailure = errors.New("close: persistence failure")

// ErrConfirmationRequired is returned when a close is not explicitly confirmed.
var ErrConfirmationRequired = errors.New("close: explicit confirmation required")

// ErrReasonRequired is returned when an override does not state why.
var ErrReasonRequired = errors.New("close: override reason required")

// ErrResultMismatch indicates the supplied result is not what the supplied input produces.
var ErrResultMismatch = errors.New("close: result does not match input")

// ErrNotFound indicates no closed record exists for the key.
var ErrNotFound = errors.New("close: closed period not found")

// ErrDuplicateRequest indicates an idempotency key is in use by a request that did not complete.
var ErrDuplicateRequest = errors.New("close: duplicate request in progress")

// ErrTenantRequired is returned when the tenant identifier is blank.
var ErrTenantRequired = errors.New("close: tenant required")

func validateKey(tenant string, period shared.Period) error {
	if strings.TrimSpace(tenant) == "" {
		return ErrTenantRequired
	}
	if err := period.Validate(); err != nil {
		return fmt.Errorf("%w: %v", settlement.ErrInvalidInput, err)
	}
	return nil
}

func entityID(tenant string, period shared.Period) string {
	return tenant + ":" + period.String()
}
