package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-tax/internal/close"
	jobmetrics "github.com/odyssey-erp/odyssey-tax/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ChainVerifier describes the closing workflow operations the job needs.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, tenant string) (close.ChainReport, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// ChainVerifyJob walks closed periods and reports carry-forward drift.
type ChainVerifyJob struct {
	Service ChainVerifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewChainVerifyJob constructs the job handler.
func NewChainVerifyJob(service ChainVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *ChainVerifyJob {
	return &ChainVerifyJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the chain verification job.
func (j *ChainVerifyJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("chain verify: dependencies not configured")
	}
	var payload ChainVerifyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("chain verify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := j.Run(ctx, payload.Tenant)
	return err
}

// Run verifies the requested tenant, or every tenant for TenantAll, returning the reports.
func (j *ChainVerifyJob) Run(ctx context.Context, tenant string) (reports []close.ChainReport, resultErr error) {
	tracker := j.metrics().Track(TaskChainVerify)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	tenants, err := j.resolveTenants(ctx, tenant)
	if err != nil {
		j.log().Error("resolve tenants", slog.String("tenant", tenant), slog.Any("error", err))
		return nil, err
	}
	start := j.now()
	issues := 0
	for _, t := range tenants {
		report, err := j.Service.VerifyChain(ctx, t)
		if err != nil {
			j.log().Error("verify chain", slog.String("tenant", t), slog.Any("error", err))
			return reports, err
		}
		for _, issue := range report.Issues {
			j.metrics().AddChainInconsistencies(issue.Field, 1)
			j.log().Warn("carry-forward inconsistency",
				slog.String("tenant", t),
				slog.String("period", issue.Period.String()),
				slog.String("predecessor", issue.Predecessor.String()),
				slog.String("field", issue.Field),
				slog.String("actual", issue.Actual.String()))
		}
		issues += len(report.Issues)
		reports = append(reports, report)
	}
	j.log().Info("verified carry-forward chains",
		slog.Int("tenants", len(tenants)),
		slog.Int("issues", issues),
		slog.Duration("duration", j.now().Sub(start)))
	return reports, nil
}

func (j *ChainVerifyJob) resolveTenants(ctx context.Context, tenant string) ([]string, error) {
	if tenant == "" || tenant == TenantAll {
		return j.Service.ListTenants(ctx)
	}
	return []string{tenant}, nil
}

func (j *ChainVerifyJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ChainVerifyJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskChainVerify))
	}
	return slog.Default().With(slog.String("job", TaskChainVerify))
}

func (j *ChainVerifyJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ChainVerifyJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
