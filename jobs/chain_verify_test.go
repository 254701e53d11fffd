package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-tax/internal/close"
	jobmetrics "github.com/odyssey-erp/odyssey-tax/internal/jobs"
	"github.com/odyssey-erp/odyssey-tax/internal/shared"
)

type stubVerifier struct {
	tenants  []string
	reports  map[string]close.ChainReport
	err      error
	verified []string
}

func (s *stubVerifier) VerifyChain(ctx context.Context, tenant string) (close.ChainReport, error) {
	s.verified = append(s.verified, tenant)
	if s.err != nil {
		return close.ChainReport{}, s.err
	}
	report, ok := s.reports[tenant]
	if !ok {
		report = close.ChainReport{Tenant: tenant}
	}
	return report, nil
}

func (s *stubVerifier) ListTenants(ctx context.Context) ([]string, error) {
	return s.tenants, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChainVerifyJobAllTenants(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	feb := shared.Period{Year: 2025, Month: 2}
	expected := decimal.NewFromInt(2000)
	verifier := &stubVerifier{
		tenants: []string{"acme", "globex"},
		reports: map[string]close.ChainReport{
			"acme": {Tenant: "acme", Checked: 2, Issues: []close.ChainIssue{{
				Period:      feb,
				Predecessor: feb.Prev(),
				Field:       "prior_credit_balance",
				Expected:    &expected,
				Actual:      decimal.NewFromInt(1500),
			}}},
		},
	}
	job := NewChainVerifyJob(verifier, discardLogger(), metrics)
	job.WithClock(func() time.Time { return time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC) })

	task, err := NewChainVerifyTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, []string{"acme", "globex"}, verifier.verified)
	count, err := testutil.GatherAndCount(registry, "odyssey_tax_chain_inconsistencies_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	families, err := registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, family := range families {
		if family.GetName() != "odyssey_tax_chain_inconsistencies_total" {
			continue
		}
		found = true
		require.Equal(t, 1.0, family.GetMetric()[0].GetCounter().GetValue())
	}
	require.True(t, found)
}

func TestChainVerifyJobSingleTenant(t *testing.T) {
	verifier := &stubVerifier{tenants: []string{"acme", "globex"}}
	job := NewChainVerifyJob(verifier, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	reports, err := job.Run(context.Background(), "globex")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.True(t, reports[0].Consistent())
	require.Equal(t, []string{"globex"}, verifier.verified)
}

func TestChainVerifyJobPropagatesFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	verifier := &stubVerifier{tenants: []string{"acme"}, err: close.ErrPersistenceFailure}
	job := NewChainVerifyJob(verifier, discardLogger(), jobmetrics.NewMetrics(registry))

	_, err := job.Run(context.Background(), TenantAll)
	require.ErrorIs(t, err, close.ErrPersistenceFailure)
	count, err := testutil.GatherAndCount(registry, "odyssey_jobs_failures_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestChainVerifyJobRejectsMalformedPayload(t *testing.T) {
	job := NewChainVerifyJob(&stubVerifier{}, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	err := job.Handle(context.Background(), asynq.NewTask(TaskChainVerify, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type stubPruner struct {
	olderThan time.Duration
	err       error
}

func (s *stubPruner) Cleanup(ctx context.Context, olderThan time.Duration) error {
	s.olderThan = olderThan
	return s.err
}

func TestIdempotencyCleanupJob(t *testing.T) {
	pruner := &stubPruner{}
	job := NewIdempotencyCleanupJob(pruner, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, pruner.olderThan)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 7*24*time.Hour, pruner.olderThan)

	pruner.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestJobsHealthEndpoint(t *testing.T) {
	router := chi.NewRouter()
	NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Failed: 1}}, discardLogger()).MountRoutes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body queueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 3, body.Pending)
	require.Equal(t, 1, body.Failed)

	router = chi.NewRouter()
	NewHandler(stubInspector{err: errors.New("redis down")}, discardLogger()).MountRoutes(router)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
}
