package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskChainVerify checks that carried opening balances still match their predecessors.
	TaskChainVerify = "tax:chain-verify"
	// TaskIdempotencyCleanup prunes expired close idempotency keys.
	TaskIdempotencyCleanup = "tax:idempotency-cleanup"

	// TenantAll selects every tenant with closed periods.
	TenantAll = "all"
)

// ChainVerifyPayload scopes a chain verification run.
type ChainVerifyPayload struct {
	Tenant string `json:"tenant"`
}

// NewChainVerifyTask constructs an Asynq task verifying one tenant, or all of them.
func NewChainVerifyTask(tenant string) (*asynq.Task, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		tenant = TenantAll
	}
	body, err := json.Marshal(ChainVerifyPayload{Tenant: tenant})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskChainVerify, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// IdempotencyCleanupPayload configures key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// Retention returns the configured retention, defaulting to one week.
func (p IdempotencyCleanupPayload) Retention() time.Duration {
	if p.RetentionHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

// NewIdempotencyCleanupTask constructs an Asynq task removing keys older than retention.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
