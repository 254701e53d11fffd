package close

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/settlement"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
	"github.com/odyssey-erp/odyssey-tax/internal/ufv"
)

const idempotencyModule = "tax.period.close"

// Audit actions written by the Service.
const (
	AuditActionClose      = "tax.period.close"
	AuditActionReclose    = "tax.period.reclose"
	AuditActionReopen     = "tax.period.reopen"
	AuditActionParameters = "tax.period.parameters"
	auditEntity           = "tax_period"
)

// Close outcomes reported to the Recorder.
const (
	OutcomeClosed   = "closed"
	OutcomeReclosed = "reclosed"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// TotalsReader provides gross totals from the transaction ledger.
type TotalsReader interface {
	PeriodTotals(ctx context.Context, tenant string, period shared.Period) (ledger.Totals, error)
}

// IndexReader provides the UFV readings bracketing a period.
type IndexReader interface {
	Readings(ctx context.Context, period shared.Period) (ufv.Pair, error)
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyGuard reserves request keys.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ChainEnqueuer schedules an asynchronous chain verification for a tenant.
type ChainEnqueuer interface {
	EnqueueChainVerify(ctx context.Context, tenant string) error
}

// Recorder receives workflow metrics.
type Recorder interface {
	ObserveCalculation(source string)
	ObserveClose(outcome string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveCalculation(string) {}
func (noopRecorder) ObserveClose(string)       {}

// Service orchestrates opening balance resolution, settlement and period closing.
type Service struct {
	store   Store
	totals  TotalsReader
	index   IndexReader
	audit   AuditRecorder
	idem    IdempotencyGuard
	chain   ChainEnqueuer
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// NewService constructs a Service instance.
func NewService(store Store, totals TotalsReader, index IndexReader, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		totals:  totals,
		index:   index,
		audit:   audit,
		metrics: noopRecorder{},
		logger:  logger,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetIdempotencyGuard enables Idempotency-Key handling on ClosePeriod.
func (s *Service) SetIdempotencyGuard(guard IdempotencyGuard) {
	s.idem = guard
}

// SetChainEnqueuer enables background verification after overrides.
func (s *Service) SetChainEnqueuer(enqueuer ChainEnqueuer) {
	s.chain = enqueuer
}

// SetRecorder attaches a metrics recorder.
func (s *Service) SetRecorder(recorder Recorder) {
	if recorder != nil {
		s.metrics = recorder
	}
}

// ResolveOpeningBalances returns the balances a period starts from without side effects.
func (s *Service) ResolveOpeningBalances(ctx context.Context, tenant string, period shared.Period) (OpeningBalances, error) {
	if err := validateKey(tenant, period); err != nil {
		return OpeningBalances{}, err
	}
	var opening OpeningBalances
	err := s.store.WithTenantLock(ctx, tenant, LockShared, func(ctx context.Context, tx TxStore) error {
		var err error
		opening, _, err = resolve(ctx, tx, tenant, period)
		return err
	})
	if err != nil {
		return OpeningBalances{}, persistence("resolve opening balances", err)
	}
	return opening, nil
}

// resolve applies the precedence explicit parameters, then the closed predecessor, then zero.
func resolve(ctx context.Context, tx TxStore, tenant string, period shared.Period) (OpeningBalances, *Parameters, error) {
	params, err := tx.GetExplicitParameters(ctx, tenant, period)
	if err != nil {
		return OpeningBalances{}, nil, err
	}
	if params != nil {
		return OpeningBalances{
			Period:               period,
			PriorCreditBalance:   params.PriorCreditBalance,
			PriorProfitTaxCredit: params.PriorProfitTaxCredit,
			Source:               SourceExplicit,
		}, params, nil
	}
	prev := period.Prev()
	closed, err := tx.GetClosedPeriod(ctx, tenant, prev)
	if err != nil {
		return OpeningBalances{}, nil, err
	}
	if closed != nil {
		return OpeningBalances{
			Period:               period,
			PriorCreditBalance:   closed.Result.VAT.ClosingCreditBalance,
			PriorProfitTaxCredit: closed.Result.TransactionTax.ClosingProfitTaxCredit,
			Source:               SourceCarried,
			CarriedFrom:          &prev,
		}, nil, nil
	}
	return OpeningBalances{
		Period:               period,
		PriorCreditBalance:   decimal.Zero,
		PriorProfitTaxCredit: decimal.Zero,
		Source:               SourceDefault,
	}, nil, nil
}

// SaveParameters stores explicit values for a period that is still open.
func (s *Service) SaveParameters(ctx context.Context, in ParametersInput) (Parameters, error) {
	if err := in.Validate(); err != nil {
		return Parameters{}, err
	}
	params := Parameters{
		Tenant:               in.Tenant,
		Period:               in.Period,
		UFVStart:             in.UFVStart,
		UFVEnd:               in.UFVEnd,
		PriorCreditBalance:   in.PriorCreditBalance,
		PriorProfitTaxCredit: in.PriorProfitTaxCredit,
		UpdatedBy:            in.ActorID,
		UpdatedAt:            s.now().UTC(),
	}
	err := s.store.WithTenantLock(ctx, in.Tenant, LockExclusive, func(ctx context.Context, tx TxStore) error {
		closed, err := tx.GetClosedPeriod(ctx, in.Tenant, in.Period)
		if err != nil {
			return err
		}
		if closed != nil {
			return ErrAlreadyClosed
		}
		return tx.SaveParameters(ctx, params)
	})
	if err != nil {
		return Parameters{}, persistence("save parameters", err)
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   AuditActionParameters,
		Entity:   auditEntity,
		EntityID: entityID(in.Tenant, in.Period),
		Meta: map[string]any{
			"ufv_start":               params.UFVStart.String(),
			"ufv_end":                 params.UFVEnd.String(),
			"prior_credit_balance":    params.PriorCreditBalance.String(),
			"prior_profit_tax_credit": params.PriorProfitTaxCredit.String(),
		},
		At: params.UpdatedAt,
	})
	return params, nil
}

// Calculate assembles the period input from stored data and computes the settlement.
// Identical concurrent requests share one computation.
func (s *Service) Calculate(ctx context.Context, in CalculateInput) (Calculation, error) {
	if err := validateKey(in.Tenant, in.Period); err != nil {
		return Calculation{}, err
	}
	resultChan := s.group.DoChan(calculationKey(in), func() (any, error) {
		// The shared computation must outlive any single caller's cancellation.
		return s.calculate(context.WithoutCancel(ctx), in)
	})
	select {
	case <-ctx.Done():
		return Calculation{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Calculation{}, res.Err
		}
		return res.Val.(Calculation), nil
	}
}

func (s *Service) calculate(ctx context.Context, in CalculateInput) (Calculation, error) {
	var (
		totals  ledger.Totals
		opening OpeningBalances
		params  *Parameters
		pair    ufv.Pair
		pairErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = s.totals.PeriodTotals(gctx, in.Tenant, in.Period)
		if err != nil {
			return persistence("load period totals", err)
		}
		return nil
	})
	if !in.Overrides.balancesComplete() || !in.Overrides.indexComplete() {
		g.Go(func() error {
			return s.store.WithTenantLock(gctx, in.Tenant, LockShared, func(ctx context.Context, tx TxStore) error {
				var err error
				opening, params, err = resolve(ctx, tx, in.Tenant, in.Period)
				if err != nil {
					return persistence("resolve opening balances", err)
				}
				return nil
			})
		})
	}
	if !in.Overrides.indexComplete() && s.index != nil {
		g.Go(func() error {
			// Explicit parameters may supply the readings, so a missing index is decided later.
			pair, pairErr = s.index.Readings(gctx, in.Period)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Calculation{}, err
	}

	calc := Calculation{Opening: opening, Source: opening.Source}
	input := settlement.Input{
		Period:               in.Period,
		GrossSales:           totals.GrossSales,
		GrossPurchases:       totals.GrossPurchases,
		PriorCreditBalance:   opening.PriorCreditBalance,
		PriorProfitTaxCredit: opening.PriorProfitTaxCredit,
	}
	switch {
	case in.Overrides.indexComplete():
		calc.IndexFrom = IndexFromOverride
	case params != nil:
		input.UFVStart, input.UFVEnd = params.UFVStart, params.UFVEnd
		calc.IndexFrom = IndexFromExplicit
	case s.index == nil:
		return Calculation{}, fmt.Errorf("%w: no index source configured", ufv.ErrIndexUnavailable)
	case pairErr != nil:
		if errors.Is(pairErr, ufv.ErrIndexUnavailable) {
			return Calculation{}, pairErr
		}
		return Calculation{}, persistence("load ufv readings", pairErr)
	default:
		input.UFVStart, input.UFVEnd = pair.Values()
		calc.IndexFrom = IndexFromTable
	}

	if o := in.Overrides; o != nil {
		if o.UFVStart != nil {
			input.UFVStart = *o.UFVStart
			calc.Overridden = append(calc.Overridden, "ufv_start")
		}
		if o.UFVEnd != nil {
			input.UFVEnd = *o.UFVEnd
			calc.Overridden = append(calc.Overridden, "ufv_end")
		}
		if o.PriorCreditBalance != nil {
			input.PriorCreditBalance = *o.PriorCreditBalance
			calc.Overridden = append(calc.Overridden, "prior_credit_balance")
		}
		if o.PriorProfitTaxCredit != nil {
			input.PriorProfitTaxCredit = *o.PriorProfitTaxCredit
			calc.Overridden = append(calc.Overridden, "prior_profit_tax_credit")
		}
		if o.PriorCreditBalance != nil || o.PriorProfitTaxCredit != nil {
			calc.Source = SourceExplicit
			calc.Opening = OpeningBalances{
				Period:               in.Period,
				PriorCreditBalance:   input.PriorCreditBalance,
				PriorProfitTaxCredit: input.PriorProfitTaxCredit,
				Source:               SourceExplicit,
			}
		}
	}
	if calc.Source == SourceDefault && !in.AcceptDefaults {
		return Calculation{}, fmt.Errorf("%w: %s has no explicit parameters and %s is not closed",
			ErrNoPriorData, in.Period, in.Period.Prev())
	}

	result, err := settlement.Compute(input)
	if err != nil {
		return Calculation{}, err
	}
	calc.Input = input
	calc.Result = result
	s.metrics.ObserveCalculation(string(calc.Source))
	return calc, nil
}

// ClosePeriod persists a confirmed settlement as the period's immutable snapshot.
func (s *Service) ClosePeriod(ctx context.Context, in ClosePeriodInput) (out CloseOutcome, err error) {
	defer func() {
		switch {
		case err == nil && out.Replayed:
			s.metrics.ObserveClose(OutcomeReplayed)
		case err == nil && out.Superseded != nil:
			s.metrics.ObserveClose(OutcomeReclosed)
		case err == nil:
			s.metrics.ObserveClose(OutcomeClosed)
		case errors.Is(err, ErrPersistenceFailure):
			s.metrics.ObserveClose(OutcomeFailed)
		default:
			s.metrics.ObserveClose(OutcomeRejected)
		}
	}()

	if err := in.Validate(); err != nil {
		return CloseOutcome{}, err
	}
	recomputed, err := settlement.Compute(in.Input)
	if err != nil {
		return CloseOutcome{}, err
	}
	if !recomputed.Equal(in.Result) {
		return CloseOutcome{}, fmt.Errorf("%w: recomputed settlement for %s differs", ErrResultMismatch, in.Period)
	}

	if in.IdempotencyKey != "" && s.idem != nil {
		key := in.Tenant + ":" + in.IdempotencyKey
		if err := s.idem.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return s.replay(ctx, in)
			}
			return CloseOutcome{}, persistence("reserve idempotency key", err)
		}
		defer func() {
			if err != nil {
				if delErr := s.idem.Delete(context.WithoutCancel(ctx), key); delErr != nil {
					s.logger.Warn("release idempotency key", slog.String("key", in.IdempotencyKey), slog.Any("error", delErr))
				}
			}
		}()
	}

	record := ClosedPeriod{
		ID:            uuid.New(),
		Tenant:        in.Tenant,
		Period:        in.Period,
		Input:         in.Input,
		Result:        recomputed,
		OpeningSource: in.OpeningSource,
		Revision:      1,
		Reason:        strings.TrimSpace(in.Reason),
		ClosedBy:      in.ActorID,
		ClosedAt:      s.now().UTC(),
	}
	var superseded *ClosedPeriod
	var stale []shared.Period
	err = s.store.WithTenantLock(ctx, in.Tenant, LockExclusive, func(ctx context.Context, tx TxStore) error {
		existing, err := tx.GetClosedPeriod(ctx, in.Tenant, in.Period)
		if err != nil {
			return err
		}
		current := shared.PeriodStatusOpen
		if existing != nil {
			current = shared.PeriodStatusClosed
		}
		if err := shared.ValidatePeriodTransition(current, shared.PeriodStatusClosed, in.Force); err != nil {
			return fmt.Errorf("%w: %s", ErrAlreadyClosed, in.Period)
		}
		if err := checkOpening(ctx, tx, in); err != nil {
			return err
		}
		if existing == nil {
			return tx.InsertClosedPeriod(ctx, record)
		}
		superseded = existing
		record.Revision = existing.Revision + 1
		if err := tx.ReplaceClosedPeriod(ctx, record); err != nil {
			return err
		}
		stale, err = staleDependents(ctx, tx, in.Tenant, in.Period)
		return err
	})
	if err != nil {
		return CloseOutcome{}, persistence("close period", err)
	}

	out = CloseOutcome{Closed: record, Superseded: superseded, StaleDependents: stale}
	s.auditClose(ctx, out)
	if superseded != nil {
		s.enqueueChainVerify(ctx, in.Tenant)
	}
	return out, nil
}

// replay answers a retried request whose key has already been used.
func (s *Service) replay(ctx context.Context, in ClosePeriodInput) (CloseOutcome, error) {
	existing, err := s.GetClosedPeriod(ctx, in.Tenant, in.Period)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CloseOutcome{}, ErrDuplicateRequest
		}
		return CloseOutcome{}, err
	}
	if !existing.Input.Equal(in.Input) || !existing.Result.Equal(in.Result) {
		return CloseOutcome{}, fmt.Errorf("%w: idempotency key reused with a different settlement", ErrAlreadyClosed)
	}
	return CloseOutcome{Closed: existing, Replayed: true}, nil
}

// checkOpening re-resolves the opening balances under the close lock and rejects
// a settlement computed against state that has since changed.
func checkOpening(ctx context.Context, tx TxStore, in ClosePeriodInput) error {
	current, params, err := resolve(ctx, tx, in.Tenant, in.Period)
	if err != nil {
		return err
	}
	if in.OpeningSource == SourceExplicit {
		// Overrides without stored parameters are taken as supplied.
		if params == nil {
			return nil
		}
		if !sameBalances(current, in.Input) {
			return fmt.Errorf("%w: opening balances differ from saved parameters for %s", ErrResultMismatch, in.Period)
		}
		return nil
	}
	if current.Source != in.OpeningSource {
		if in.OpeningSource == SourceCarried && current.Source == SourceDefault {
			return fmt.Errorf("%w: %s is no longer closed", ErrResultMismatch, in.Period.Prev())
		}
		return fmt.Errorf("%w: opening balances for %s now resolve as %s", ErrResultMismatch, in.Period, current.Source)
	}
	if !sameBalances(current, in.Input) {
		if current.Source == SourceCarried {
			return fmt.Errorf("%w: opening balances differ from %s closing balances", ErrResultMismatch, in.Period.Prev())
		}
		return fmt.Errorf("%w: opening balances for %s differ from %s", ErrResultMismatch, in.Period, current.Source)
	}
	return nil
}

func sameBalances(opening OpeningBalances, input settlement.Input) bool {
	return opening.PriorCreditBalance.Equal(input.PriorCreditBalance) &&
		opening.PriorProfitTaxCredit.Equal(input.PriorProfitTaxCredit)
}

// staleDependents walks the carried chain that starts right after period.
func staleDependents(ctx context.Context, tx TxStore, tenant string, period shared.Period) ([]shared.Period, error) {
	later, err := tx.ListClosedAfter(ctx, tenant, period)
	if err != nil {
		return nil, err
	}
	var stale []shared.Period
	expect := period.Next()
	for _, record := range later {
		if record.Period != expect || record.OpeningSource != SourceCarried {
			break
		}
		stale = append(stale, record.Period)
		expect = expect.Next()
	}
	return stale, nil
}

// ReopenPeriod removes a closed snapshot so the period can be recalculated.
func (s *Service) ReopenPeriod(ctx context.Context, in ReopenInput) (ReopenOutcome, error) {
	if err := validateKey(in.Tenant, in.Period); err != nil {
		return ReopenOutcome{}, err
	}
	if strings.TrimSpace(in.Reason) == "" {
		return ReopenOutcome{}, ErrReasonRequired
	}
	var out ReopenOutcome
	err := s.store.WithTenantLock(ctx, in.Tenant, LockExclusive, func(ctx context.Context, tx TxStore) error {
		existing, err := tx.GetClosedPeriod(ctx, in.Tenant, in.Period)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		if err := shared.ValidatePeriodTransition(shared.PeriodStatusClosed, shared.PeriodStatusOpen, true); err != nil {
			return err
		}
		stale, err := staleDependents(ctx, tx, in.Tenant, in.Period)
		if err != nil {
			return err
		}
		if err := tx.DeleteClosedPeriod(ctx, in.Tenant, in.Period); err != nil {
			return err
		}
		out = ReopenOutcome{Removed: *existing, StaleDependents: stale}
		return nil
	})
	if err != nil {
		return ReopenOutcome{}, persistence("reopen period", err)
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   AuditActionReopen,
		Entity:   auditEntity,
		EntityID: out.Removed.EntityID(),
		Meta: map[string]any{
			"reason":           strings.TrimSpace(in.Reason),
			"removed":          out.Removed,
			"stale_dependents": periodStrings(out.StaleDependents),
		},
		At: s.now().UTC(),
	})
	s.enqueueChainVerify(ctx, in.Tenant)
	return out, nil
}

// GetClosedPeriod returns the snapshot for a period or ErrNotFound.
func (s *Service) GetClosedPeriod(ctx context.Context, tenant string, period shared.Period) (ClosedPeriod, error) {
	if err := validateKey(tenant, period); err != nil {
		return ClosedPeriod{}, err
	}
	var record *ClosedPeriod
	err := s.store.WithTenantLock(ctx, tenant, LockShared, func(ctx context.Context, tx TxStore) error {
		var err error
		record, err = tx.GetClosedPeriod(ctx, tenant, period)
		return err
	})
	if err != nil {
		return ClosedPeriod{}, persistence("get closed period", err)
	}
	if record == nil {
		return ClosedPeriod{}, ErrNotFound
	}
	return *record, nil
}

// ListClosedPeriods returns a tenant's snapshots for a year, or all years when year is zero.
func (s *Service) ListClosedPeriods(ctx context.Context, tenant string, year int) ([]ClosedPeriod, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, ErrTenantRequired
	}
	if year != 0 && year < shared.MinPeriodYear {
		return nil, fmt.Errorf("%w: year %d before %d", settlement.ErrInvalidInput, year, shared.MinPeriodYear)
	}
	records, err := s.store.ListClosedPeriods(ctx, tenant, year)
	if err != nil {
		return nil, persistence("list closed periods", err)
	}
	return records, nil
}

// ListTenants returns tenants with closed periods.
func (s *Service) ListTenants(ctx context.Context) ([]string, error) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return nil, persistence("list tenants", err)
	}
	return tenants, nil
}

// VerifyChain reports closed periods whose opening balances disagree with a closed predecessor.
func (s *Service) VerifyChain(ctx context.Context, tenant string) (ChainReport, error) {
	records, err := s.ListClosedPeriods(ctx, tenant, 0)
	if err != nil {
		return ChainReport{}, err
	}
	report := ChainReport{Tenant: tenant, Issues: []ChainIssue{}}
	byPeriod := make(map[shared.Period]ClosedPeriod, len(records))
	for _, record := range records {
		byPeriod[record.Period] = record
	}
	for _, record := range records {
		prevKey := record.Period.Prev()
		prev, ok := byPeriod[prevKey]
		if record.OpeningSource == SourceDefault && ok {
			// Defaults only stand in for a predecessor that is not closed.
			report.Checked++
			want := prev.Result.VAT.ClosingCreditBalance
			report.Issues = append(report.Issues, ChainIssue{
				Period:      record.Period,
				Predecessor: prevKey,
				Field:       "opening_source",
				Expected:    &want,
				Actual:      record.Input.PriorCreditBalance,
			})
			continue
		}
		if record.OpeningSource != SourceCarried {
			continue
		}
		report.Checked++
		if !ok {
			report.Issues = append(report.Issues, ChainIssue{
				Period:      record.Period,
				Predecessor: prevKey,
				Field:       "predecessor",
				Actual:      record.Input.PriorCreditBalance,
			})
			continue
		}
		if want := prev.Result.VAT.ClosingCreditBalance; !want.Equal(record.Input.PriorCreditBalance) {
			report.Issues = append(report.Issues, ChainIssue{
				Period:      record.Period,
				Predecessor: prevKey,
				Field:       "prior_credit_balance",
				Expected:    &want,
				Actual:      record.Input.PriorCreditBalance,
			})
		}
		if want := prev.Result.TransactionTax.ClosingProfitTaxCredit; !want.Equal(record.Input.PriorProfitTaxCredit) {
			report.Issues = append(report.Issues, ChainIssue{
				Period:      record.Period,
				Predecessor: prevKey,
				Field:       "prior_profit_tax_credit",
				Expected:    &want,
				Actual:      record.Input.PriorProfitTaxCredit,
			})
		}
	}
	return report, nil
}

func (s *Service) auditClose(ctx context.Context, out CloseOutcome) {
	action := AuditActionClose
	meta := map[string]any{
		"revision":       out.Closed.Revision,
		"opening_source": string(out.Closed.OpeningSource),
		"result":         out.Closed.Result,
	}
	if out.Superseded != nil {
		action = AuditActionReclose
		meta["reason"] = out.Closed.Reason
		meta["superseded"] = out.Superseded
		meta["stale_dependents"] = periodStrings(out.StaleDependents)
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  out.Closed.ClosedBy,
		Action:   action,
		Entity:   auditEntity,
		EntityID: out.Closed.EntityID(),
		Meta:     meta,
		At:       out.Closed.ClosedAt,
	})
}

func (s *Service) recordAudit(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("record audit entry",
			slog.String("action", entry.Action),
			slog.String("entity_id", entry.EntityID),
			slog.Any("error", err))
	}
}

func (s *Service) enqueueChainVerify(ctx context.Context, tenant string) {
	if s.chain == nil {
		return
	}
	if err := s.chain.EnqueueChainVerify(ctx, tenant); err != nil {
		s.logger.Warn("enqueue chain verification", slog.String("tenant", tenant), slog.Any("error", err))
	}
}

// persistence wraps unexpected storage errors, leaving domain errors untouched.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, op, err)
}

var domainErrors = []error{
	ErrPersistenceFailure,
	ErrAlreadyClosed,
	ErrNotFound,
	ErrNoPriorData,
	ErrResultMismatch,
	ErrConfirmationRequired,
	ErrReasonRequired,
	ErrDuplicateRequest,
	ErrTenantRequired,
	settlement.ErrInvalidInput,
	settlement.ErrInvalidIndex,
	ufv.ErrIndexUnavailable,
	shared.ErrInvalidPeriodTransition,
	context.Canceled,
	context.DeadlineExceeded,
}

func calculationKey(in CalculateInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%t", in.Tenant, in.Period, in.AcceptDefaults)
	if o := in.Overrides; o != nil {
		for _, v := range []*decimal.Decimal{o.UFVStart, o.UFVEnd, o.PriorCreditBalance, o.PriorProfitTaxCredit} {
			b.WriteByte('|')
			if v != nil {
				b.WriteString(v.String())
			}
		}
	}
	return b.String()
}

func periodStrings(periods []shared.Period) []string {
	out := make([]string, 0, len(periods))
	for _, p := range periods {
		out = append(out, p.String())
	}
	return out
}
