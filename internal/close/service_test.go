package close

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-tax/internal/ledger"
	"github.com/odyssey-erp/odyssey-tax/internal/settlement"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
	"github.com/odyssey-erp/odyssey-tax/internal/ufv"
)

const tenant = "acme"

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func dp(v string) *decimal.Decimal {
	out := d(v)
	return &out
}

type periodKey struct {
	tenant string
	period shared.Period
}

type memStore struct {
	mu      sync.RWMutex
	params  map[periodKey]Parameters
	closed  map[periodKey]ClosedPeriod
	failErr error
}

func newMemStore() *memStore {
	return &memStore{
		params: make(map[periodKey]Parameters),
		closed: make(map[periodKey]ClosedPeriod),
	}
}

func (m *memStore) WithTenantLock(ctx context.Context, tenant string, mode LockMode, fn func(context.Context, TxStore) error) error {
	if m.failErr != nil {
		return m.failErr
	}
	if mode == LockExclusive {
		m.mu.Lock()
		defer m.mu.Unlock()
	} else {
		m.mu.RLock()
		defer m.mu.RUnlock()
	}
	tx := &memTx{store: m, params: cloneMap(m.params), closed: cloneMap(m.closed)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if mode == LockExclusive {
		m.params, m.closed = tx.params, tx.closed
	}
	return nil
}

func (m *memStore) ListClosedPeriods(ctx context.Context, tenant string, year int) ([]ClosedPeriod, error) {
	if m.failErr != nil {
		return nil, m.failErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedClosed(m.closed, tenant, func(p shared.Period) bool { return year == 0 || p.Year == year }), nil
}

func (m *memStore) ListTenants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for key := range m.closed {
		if !seen[key.tenant] {
			seen[key.tenant] = true
			out = append(out, key.tenant)
		}
	}
	return out, nil
}

type memTx struct {
	store  *memStore
	params map[periodKey]Parameters
	closed map[periodKey]ClosedPeriod
}

func (t *memTx) GetExplicitParameters(ctx context.Context, tenant string, period shared.Period) (*Parameters, error) {
	p, ok := t.params[periodKey{tenant, period}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) SaveParameters(ctx context.Context, params Parameters) error {
	t.params[periodKey{params.Tenant, params.Period}] = params
	return nil
}

func (t *memTx) GetClosedPeriod(ctx context.Context, tenant string, period shared.Period) (*ClosedPeriod, error) {
	c, ok := t.closed[periodKey{tenant, period}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t *memTx) InsertClosedPeriod(ctx context.Context, record ClosedPeriod) error {
	key := periodKey{record.Tenant, record.Period}
	if _, ok := t.closed[key]; ok {
		return ErrAlreadyClosed
	}
	t.closed[key] = record
	return nil
}

func (t *memTx) ReplaceClosedPeriod(ctx context.Context, record ClosedPeriod) error {
	key := periodKey{record.Tenant, record.Period}
	if _, ok := t.closed[key]; !ok {
		return ErrNotFound
	}
	t.closed[key] = record
	return nil
}

func (t *memTx) DeleteClosedPeriod(ctx context.Context, tenant string, period shared.Period) error {
	key := periodKey{tenant, period}
	if _, ok := t.closed[key]; !ok {
		return ErrNotFound
	}
	delete(t.closed, key)
	return nil
}

func (t *memTx) ListClosedAfter(ctx context.Context, tenant string, period shared.Period) ([]ClosedPeriod, error) {
	return sortedClosed(t.closed, tenant, func(p shared.Period) bool { return period.Before(p) }), nil
}

func cloneMap[V any](in map[periodKey]V) map[periodKey]V {
	out := make(map[periodKey]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedClosed(in map[periodKey]ClosedPeriod, tenant string, keep func(shared.Period) bool) []ClosedPeriod {
	var out []ClosedPeriod
	for key, record := range in {
		if key.tenant == tenant && keep(key.period) {
			out = append(out, record)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Period.Before(out[j-1].Period); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

type stubTotals struct {
	mu     sync.Mutex
	totals map[shared.Period]ledger.Totals
	err    error
	calls  int
	// gate, when set, holds each call until it is closed or ctx ends.
	gate    chan struct{}
	started chan struct{}
}

func (s *stubTotals) PeriodTotals(ctx context.Context, tenant string, period shared.Period) (ledger.Totals, error) {
	if s.gate != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ledger.Totals{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return ledger.Totals{}, s.err
	}
	t, ok := s.totals[period]
	if !ok {
		return ledger.Totals{GrossSales: decimal.Zero, GrossPurchases: decimal.Zero}, nil
	}
	return t, nil
}

type stubIndex struct {
	pair  ufv.Pair
	err   error
	calls int
	mu    sync.Mutex
}

func (s *stubIndex) Readings(ctx context.Context, period shared.Period) (ufv.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.pair, s.err
}

type memAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *memAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type memEnqueuer struct {
	tenants []string
}

func (m *memEnqueuer) EnqueueChainVerify(ctx context.Context, tenant string) error {
	m.tenants = append(m.tenants, tenant)
	return nil
}

type countingRecorder struct {
	mu     sync.Mutex
	closes map[string]int
	calcs  map[string]int
}

func (c *countingRecorder) ObserveCalculation(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calcs[source]++
}

func (c *countingRecorder) ObserveClose(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes[outcome]++
}

type fixture struct {
	svc      *Service
	store    *memStore
	totals   *stubTotals
	index    *stubIndex
	audit    *memAudit
	idem     *memIdempotency
	enqueuer *memEnqueuer
	recorder *countingRecorder
}

var (
	jan = shared.NewPeriod(2025, 1)
	feb = shared.NewPeriod(2025, 2)
	mar = shared.NewPeriod(2025, 3)
)

func newFixture() *fixture {
	f := &fixture{
		store: newMemStore(),
		totals: &stubTotals{totals: map[shared.Period]ledger.Totals{
			jan: {GrossSales: d("50000"), GrossPurchases: d("100000")},
			feb: {GrossSales: d("100000"), GrossPurchases: d("0")},
			mar: {GrossSales: d("10000"), GrossPurchases: d("0")},
		}},
		index: &stubIndex{pair: ufv.Pair{
			Start: ufv.Reading{Date: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), Value: d("2.0")},
			End:   ufv.Reading{Date: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), Value: d("2.0")},
		}},
		audit:    &memAudit{},
		idem:     &memIdempotency{keys: map[string]bool{}},
		enqueuer: &memEnqueuer{},
		recorder: &countingRecorder{closes: map[string]int{}, calcs: map[string]int{}},
	}
	f.svc = NewService(f.store, f.totals, f.index, f.audit, nil)
	f.svc.SetIdempotencyGuard(f.idem)
	f.svc.SetChainEnqueuer(f.enqueuer)
	f.svc.SetRecorder(f.recorder)
	f.svc.WithNow(func() time.Time { return time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC) })
	return f
}

func closeInput(calc Calculation) ClosePeriodInput {
	return ClosePeriodInput{
		Tenant:        tenant,
		Period:        calc.Input.Period,
		Input:         calc.Input,
		Result:        calc.Result,
		OpeningSource: calc.Source,
		Confirm:       true,
		ActorID:       7,
	}
}

func (f *fixture) closeJanuary(t *testing.T) ClosedPeriod {
	t.Helper()
	ctx := context.Background()
	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.NoError(t, err)
	out, err := f.svc.ClosePeriod(ctx, closeInput(calc))
	require.NoError(t, err)
	return out.Closed
}

func TestResolveOpeningBalancesPrecedence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	opening, err := f.svc.ResolveOpeningBalances(ctx, tenant, feb)
	require.NoError(t, err)
	require.Equal(t, SourceDefault, opening.Source)
	require.True(t, opening.NoPriorData())
	require.True(t, opening.PriorCreditBalance.IsZero())

	f.closeJanuary(t)
	opening, err = f.svc.ResolveOpeningBalances(ctx, tenant, feb)
	require.NoError(t, err)
	require.Equal(t, SourceCarried, opening.Source)
	require.Equal(t, &jan, opening.CarriedFrom)
	require.True(t, opening.PriorCreditBalance.Equal(d("6500")))

	_, err = f.svc.SaveParameters(ctx, ParametersInput{
		Tenant: tenant, Period: feb,
		UFVStart: d("2.1"), UFVEnd: d("2.2"),
		PriorCreditBalance: d("123.45"), PriorProfitTaxCredit: d("10"),
		ActorID: 7,
	})
	require.NoError(t, err)
	opening, err = f.svc.ResolveOpeningBalances(ctx, tenant, feb)
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, opening.Source)
	require.True(t, opening.PriorCreditBalance.Equal(d("123.45")))
	require.True(t, opening.PriorProfitTaxCredit.Equal(d("10")))
	require.Nil(t, opening.CarriedFrom)
}

func TestResolveOpeningBalancesRejectsBadKey(t *testing.T) {
	f := newFixture()
	_, err := f.svc.ResolveOpeningBalances(context.Background(), "", jan)
	require.ErrorIs(t, err, ErrTenantRequired)
	_, err = f.svc.ResolveOpeningBalances(context.Background(), tenant, shared.NewPeriod(2025, 13))
	require.ErrorIs(t, err, settlement.ErrInvalidInput)
}

func TestCalculateRequiresAcknowledgedDefaults(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan})
	require.ErrorIs(t, err, ErrNoPriorData)

	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.NoError(t, err)
	require.Equal(t, SourceDefault, calc.Source)
	require.Equal(t, IndexFromTable, calc.IndexFrom)
	require.True(t, calc.Result.VAT.ClosingCreditBalance.Equal(d("6500")))
	require.Equal(t, 1, f.recorder.calcs[string(SourceDefault)])
}

func TestCalculateCarriesClosedPredecessor(t *testing.T) {
	f := newFixture()
	f.closeJanuary(t)

	calc, err := f.svc.Calculate(context.Background(), CalculateInput{Tenant: tenant, Period: feb})
	require.NoError(t, err)
	require.Equal(t, SourceCarried, calc.Source)
	require.True(t, calc.Input.PriorCreditBalance.Equal(d("6500")))
	require.True(t, calc.Result.VAT.TotalAvailableCredit.Equal(d("6500")))
	require.True(t, calc.Result.VAT.AmountPayable.Equal(d("6500")))
	require.True(t, calc.Result.VAT.ClosingCreditBalance.IsZero())
}

func TestCalculateUsesExplicitIndexWithoutTable(t *testing.T) {
	f := newFixture()
	f.index.err = ufv.ErrIndexUnavailable
	ctx := context.Background()

	_, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb, AcceptDefaults: true})
	require.ErrorIs(t, err, ufv.ErrIndexUnavailable)

	_, err = f.svc.SaveParameters(ctx, ParametersInput{
		Tenant: tenant, Period: feb,
		UFVStart: d("2.40000"), UFVEnd: d("2.40100"),
		PriorCreditBalance: d("10000"), PriorProfitTaxCredit: d("0"),
	})
	require.NoError(t, err)
	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, calc.Source)
	require.Equal(t, IndexFromExplicit, calc.IndexFrom)
	require.True(t, calc.Result.VAT.IndexedCreditAdjustment.Equal(d("4.17")))
}

func TestCalculateAppliesOverridesFieldByField(t *testing.T) {
	f := newFixture()
	f.closeJanuary(t)

	calc, err := f.svc.Calculate(context.Background(), CalculateInput{
		Tenant: tenant,
		Period: feb,
		Overrides: &Overrides{
			PriorProfitTaxCredit: dp("2000"),
		},
	})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, calc.Source)
	require.Equal(t, SourceExplicit, calc.Opening.Source)
	require.Equal(t, []string{"prior_profit_tax_credit"}, calc.Overridden)
	require.True(t, calc.Input.PriorCreditBalance.Equal(d("6500")))
	require.True(t, calc.Result.TransactionTax.AmountPayable.Equal(d("1000")))
	require.True(t, calc.Result.TransactionTax.ClosingProfitTaxCredit.IsZero())
}

func TestCalculateFullOverridesSkipStoredData(t *testing.T) {
	f := newFixture()
	f.index.err = errors.New("index should not be used")

	calc, err := f.svc.Calculate(context.Background(), CalculateInput{
		Tenant: tenant,
		Period: mar,
		Overrides: &Overrides{
			UFVStart:             dp("2.0"),
			UFVEnd:               dp("2.0"),
			PriorCreditBalance:   dp("0"),
			PriorProfitTaxCredit: dp("0"),
		},
	})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, calc.Source)
	require.Equal(t, IndexFromOverride, calc.IndexFrom)
	require.Zero(t, f.index.calls)
	require.True(t, calc.Result.VAT.AmountPayable.Equal(d("1300")))
}

func TestCalculateWrapsLedgerFailures(t *testing.T) {
	f := newFixture()
	f.totals.err = errors.New("connection reset")

	_, err := f.svc.Calculate(context.Background(), CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.ErrorIs(t, err, ErrPersistenceFailure)
}

func TestClosePeriodValidatesRequest(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.NoError(t, err)

	in := closeInput(calc)
	in.Confirm = false
	_, err = f.svc.ClosePeriod(ctx, in)
	require.ErrorIs(t, err, ErrConfirmationRequired)

	in = closeInput(calc)
	in.Result.VAT.AmountPayable = in.Result.VAT.AmountPayable.Add(d("0.01"))
	_, err = f.svc.ClosePeriod(ctx, in)
	require.ErrorIs(t, err, ErrResultMismatch)

	in = closeInput(calc)
	in.Period = feb
	_, err = f.svc.ClosePeriod(ctx, in)
	require.ErrorIs(t, err, ErrResultMismatch)

	in = closeInput(calc)
	in.Input.UFVStart = decimal.Zero
	_, err = f.svc.ClosePeriod(ctx, in)
	require.ErrorIs(t, err, settlement.ErrInvalidIndex)

	in = closeInput(calc)
	in.Force = true
	_, err = f.svc.ClosePeriod(ctx, in)
	require.ErrorIs(t, err, ErrReasonRequired)

	_, err = f.svc.GetClosedPeriod(ctx, tenant, jan)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 5, f.recorder.closes[OutcomeRejected])
}

func TestClosePeriodPersistsSnapshot(t *testing.T) {
	f := newFixture()
	closed := f.closeJanuary(t)

	require.Equal(t, 1, closed.Revision)
	require.Equal(t, int64(7), closed.ClosedBy)
	require.Equal(t, SourceDefault, closed.OpeningSource)

	got, err := f.svc.GetClosedPeriod(context.Background(), tenant, jan)
	require.NoError(t, err)
	require.Equal(t, closed.ID, got.ID)
	require.True(t, got.Result.Equal(closed.Result))
	require.Equal(t, []string{AuditActionClose}, f.audit.actions())
	require.Empty(t, f.enqueuer.tenants)
}

func TestClosePeriodRejectsSecondClose(t *testing.T) {
	f := newFixture()
	f.closeJanuary(t)
	ctx := context.Background()

	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.NoError(t, err)
	_, err = f.svc.ClosePeriod(ctx, closeInput(calc))
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestClosePeriodForcedRecloseReportsDependents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	original := f.closeJanuary(t)

	febCalc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb})
	require.NoError(t, err)
	_, err = f.svc.ClosePeriod(ctx, closeInput(febCalc))
	require.NoError(t, err)

	f.totals.totals[jan] = ledger.Totals{GrossSales: d("40000"), GrossPurchases: d("100000")}
	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.NoError(t, err)
	in := closeInput(calc)
	in.Force = true
	in.Reason = "late purchase invoice"
	out, err := f.svc.ClosePeriod(ctx, in)
	require.NoError(t, err)

	require.Equal(t, 2, out.Closed.Revision)
	require.NotNil(t, out.Superseded)
	require.Equal(t, original.ID, out.Superseded.ID)
	require.Equal(t, []shared.Period{feb}, out.StaleDependents)
	require.Equal(t, []string{tenant}, f.enqueuer.tenants)
	require.Equal(t, []string{AuditActionClose, AuditActionClose, AuditActionReclose}, f.audit.actions())
	require.Equal(t, 1, f.recorder.closes[OutcomeReclosed])

	report, err := f.svc.VerifyChain(ctx, tenant)
	require.NoError(t, err)
	require.False(t, report.Consistent())
	require.Equal(t, feb, report.Issues[0].Period)
	require.Equal(t, "prior_credit_balance", report.Issues[0].Field)
}

func TestClosePeriodRejectsStaleCarriedBalances(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.closeJanuary(t)

	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb})
	require.NoError(t, err)
	in := closeInput(calc)
	in.Input.PriorCreditBalance = d("6000")
	res, err := settlement.Compute(in.Input)
	require.NoError(t, err)
	in.Result = res

	_, err = f.svc.ClosePeriod(ctx, in)
	require.ErrorIs(t, err, ErrResultMismatch)
}

func TestClosePeriodRejectsStaleDefaultBalances(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb, AcceptDefaults: true})
	require.NoError(t, err)
	require.Equal(t, SourceDefault, calc.Source)

	f.closeJanuary(t)
	_, err = f.svc.ClosePeriod(ctx, closeInput(calc))
	require.ErrorIs(t, err, ErrResultMismatch)
	require.Equal(t, 1, f.recorder.closes[OutcomeRejected])

	_, err = f.svc.GetClosedPeriod(ctx, tenant, feb)
	require.ErrorIs(t, err, ErrNotFound)

	calc, err = f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb})
	require.NoError(t, err)
	require.Equal(t, SourceCarried, calc.Source)
	_, err = f.svc.ClosePeriod(ctx, closeInput(calc))
	require.NoError(t, err)
}

func TestClosePeriodRejectsChangedParameters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	params := ParametersInput{
		Tenant: tenant, Period: feb,
		UFVStart: d("2"), UFVEnd: d("2"),
		PriorCreditBalance: d("1000"), PriorProfitTaxCredit: d("0"),
	}
	_, err := f.svc.SaveParameters(ctx, params)
	require.NoError(t, err)

	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, calc.Source)

	params.PriorCreditBalance = d("2500")
	_, err = f.svc.SaveParameters(ctx, params)
	require.NoError(t, err)

	_, err = f.svc.ClosePeriod(ctx, closeInput(calc))
	require.ErrorIs(t, err, ErrResultMismatch)

	calc, err = f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb})
	require.NoError(t, err)
	require.True(t, calc.Input.PriorCreditBalance.Equal(d("2500")))
	_, err = f.svc.ClosePeriod(ctx, closeInput(calc))
	require.NoError(t, err)
}

func TestClosePeriodRejectsCarriedCalculationAfterParametersSaved(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.closeJanuary(t)

	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb})
	require.NoError(t, err)
	require.Equal(t, SourceCarried, calc.Source)

	_, err = f.svc.SaveParameters(ctx, ParametersInput{
		Tenant: tenant, Period: feb,
		UFVStart: d("2"), UFVEnd: d("2"),
		PriorCreditBalance: d("6500"), PriorProfitTaxCredit: d("0"),
	})
	require.NoError(t, err)

	_, err = f.svc.ClosePeriod(ctx, closeInput(calc))
	require.ErrorIs(t, err, ErrResultMismatch)
}

func TestClosePeriodAcceptsOverriddenBalancesWithoutParameters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.closeJanuary(t)

	calc, err := f.svc.Calculate(ctx, CalculateInput{
		Tenant:    tenant,
		Period:    feb,
		Overrides: &Overrides{PriorCreditBalance: dp("100")},
	})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, calc.Source)

	out, err := f.svc.ClosePeriod(ctx, closeInput(calc))
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, out.Closed.OpeningSource)
}

func TestVerifyChainFlagsDefaultsWithClosedPredecessor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb, AcceptDefaults: true})
	require.NoError(t, err)
	_, err = f.svc.ClosePeriod(ctx, closeInput(calc))
	require.NoError(t, err)
	f.closeJanuary(t)

	report, err := f.svc.VerifyChain(ctx, tenant)
	require.NoError(t, err)
	require.False(t, report.Consistent())
	require.Len(t, report.Issues, 1)
	require.Equal(t, feb, report.Issues[0].Period)
	require.Equal(t, "opening_source", report.Issues[0].Field)
	require.True(t, report.Issues[0].Expected.Equal(d("6500")))
}

func TestClosePeriodIdempotentReplay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.NoError(t, err)

	in := closeInput(calc)
	in.IdempotencyKey = "close-jan"
	first, err := f.svc.ClosePeriod(ctx, in)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := f.svc.ClosePeriod(ctx, in)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Closed.ID, second.Closed.ID)
	require.Len(t, f.audit.actions(), 1)
}

func TestClosePeriodReleasesKeyOnFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.NoError(t, err)

	f.store.failErr = errors.New("connection refused")
	in := closeInput(calc)
	in.IdempotencyKey = "close-jan"
	_, err = f.svc.ClosePeriod(ctx, in)
	require.ErrorIs(t, err, ErrPersistenceFailure)
	require.Empty(t, f.idem.keys)
	require.Equal(t, 1, f.recorder.closes[OutcomeFailed])

	f.store.failErr = nil
	out, err := f.svc.ClosePeriod(ctx, in)
	require.NoError(t, err)
	require.False(t, out.Replayed)
}

func TestClosePeriodConcurrentClosesHaveOneWinner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ClosePeriod(ctx, closeInput(calc))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyClosed):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, workers-1, conflicts)
}

func TestCalculateDuringCloseSeesCommittedState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	janCalc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan Calculation, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.svc.ClosePeriod(ctx, closeInput(janCalc))
		require.NoError(t, err)
	}()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb, AcceptDefaults: true})
			require.NoError(t, err)
			results <- calc
		}()
	}
	wg.Wait()
	close(results)

	for calc := range results {
		switch calc.Source {
		case SourceDefault:
			require.True(t, calc.Input.PriorCreditBalance.IsZero())
		case SourceCarried:
			require.True(t, calc.Input.PriorCreditBalance.Equal(d("6500")))
		default:
			t.Fatalf("unexpected source %s", calc.Source)
		}
	}
}

func TestCalculateSharedComputationSurvivesCallerCancel(t *testing.T) {
	f := newFixture()
	f.totals.gate = make(chan struct{})
	f.totals.started = make(chan struct{}, 1)
	in := CalculateInput{Tenant: tenant, Period: jan, AcceptDefaults: true}

	cancelCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.svc.Calculate(cancelCtx, in)
		first <- err
	}()
	<-f.totals.started

	type outcome struct {
		calc Calculation
		err  error
	}
	second := make(chan outcome, 1)
	go func() {
		calc, err := f.svc.Calculate(context.Background(), in)
		second <- outcome{calc, err}
	}()
	// Let the second caller join the in-flight computation.
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(f.totals.gate)
	got := <-second
	require.NoError(t, got.err)
	require.True(t, got.calc.Result.VAT.ClosingCreditBalance.Equal(d("6500")))
	f.totals.mu.Lock()
	defer f.totals.mu.Unlock()
	require.Equal(t, 1, f.totals.calls)
}

func TestReopenPeriodRemovesSnapshot(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.ReopenPeriod(ctx, ReopenInput{Tenant: tenant, Period: jan, Reason: "audit"})
	require.ErrorIs(t, err, ErrNotFound)

	f.closeJanuary(t)
	febCalc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: feb})
	require.NoError(t, err)
	_, err = f.svc.ClosePeriod(ctx, closeInput(febCalc))
	require.NoError(t, err)

	_, err = f.svc.ReopenPeriod(ctx, ReopenInput{Tenant: tenant, Period: jan})
	require.ErrorIs(t, err, ErrReasonRequired)

	out, err := f.svc.ReopenPeriod(ctx, ReopenInput{Tenant: tenant, Period: jan, Reason: "wrong ufv", ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, jan, out.Removed.Period)
	require.Equal(t, []shared.Period{feb}, out.StaleDependents)

	_, err = f.svc.GetClosedPeriod(ctx, tenant, jan)
	require.ErrorIs(t, err, ErrNotFound)

	report, err := f.svc.VerifyChain(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Equal(t, "predecessor", report.Issues[0].Field)
}

func TestSaveParametersRejectsClosedPeriod(t *testing.T) {
	f := newFixture()
	f.closeJanuary(t)

	_, err := f.svc.SaveParameters(context.Background(), ParametersInput{
		Tenant: tenant, Period: jan,
		UFVStart: d("2"), UFVEnd: d("2"),
		PriorCreditBalance: d("0"), PriorProfitTaxCredit: d("0"),
	})
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestSaveParametersValidates(t *testing.T) {
	f := newFixture()
	base := ParametersInput{
		Tenant: tenant, Period: feb,
		UFVStart: d("2"), UFVEnd: d("2"),
		PriorCreditBalance: d("0"), PriorProfitTaxCredit: d("0"),
	}
	cases := []struct {
		name   string
		mutate func(*ParametersInput)
		want   error
	}{
		{"zero ufv start", func(in *ParametersInput) { in.UFVStart = decimal.Zero }, settlement.ErrInvalidIndex},
		{"negative ufv end", func(in *ParametersInput) { in.UFVEnd = d("-1") }, settlement.ErrInvalidInput},
		{"negative credit", func(in *ParametersInput) { in.PriorCreditBalance = d("-0.01") }, settlement.ErrInvalidInput},
		{"missing tenant", func(in *ParametersInput) { in.Tenant = " " }, ErrTenantRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			_, err := f.svc.SaveParameters(context.Background(), in)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestVerifyChainConsistent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.closeJanuary(t)
	for _, p := range []shared.Period{feb, mar} {
		calc, err := f.svc.Calculate(ctx, CalculateInput{Tenant: tenant, Period: p})
		require.NoError(t, err)
		_, err = f.svc.ClosePeriod(ctx, closeInput(calc))
		require.NoError(t, err, fmt.Sprintf("close %s", p))
	}

	report, err := f.svc.VerifyChain(ctx, tenant)
	require.NoError(t, err)
	require.True(t, report.Consistent())
	require.Equal(t, 2, report.Checked)

	tenants, err := f.svc.ListTenants(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{tenant}, tenants)

	records, err := f.svc.ListClosedPeriods(ctx, tenant, 2025)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, jan, records[0].Period)
}

func TestListClosedPeriodsWrapsStoreErrors(t *testing.T) {
	f := newFixture()
	f.store.failErr = errors.New("timeout")
	_, err := f.svc.ListClosedPeriods(context.Background(), tenant, 2025)
	require.ErrorIs(t, err, ErrPersistenceFailure)
}
