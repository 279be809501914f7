package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// StartRunRequest bills every due account of the organization for the
// half-open period [PeriodStart, PeriodEnd).
type StartRunRequest struct {
	OrgID       snowflake.ID `json:"org_id"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
}

// AccountPreview is the dry-run outcome for one account.
type AccountPreview struct {
	AccountID  snowflake.ID `json:"account_id"`
	Lines      int          `json:"lines"`
	Subtotal   int64        `json:"subtotal"`
	Tax        int64        `json:"tax"`
	Total      int64        `json:"total"`
	Skipped    bool         `json:"skipped"`
	SkipReason string       `json:"skip_reason,omitempty"`
}

// PreviewResult reports what a run would do without writing anything.
type PreviewResult struct {
	AccountsSelected int              `json:"accounts_selected"`
	Accounts         []AccountPreview `json:"accounts"`
}

// RunDetail pairs a run with its per-account items.
type RunDetail struct {
	Run   BillingRun       `json:"run"`
	Items []BillingRunItem `json:"items"`
}

// Service orchestrates billing runs. Start executes synchronously and
// returns the finished run; re-running the same period is safe because
// assembly is idempotent per account and period.
type Service interface {
	Start(ctx context.Context, req StartRunRequest) (BillingRun, error)
	Preview(ctx context.Context, req StartRunRequest) (PreviewResult, error)
	Get(ctx context.Context, runID snowflake.ID) (RunDetail, error)
	RetryFailed(ctx context.Context, runID snowflake.ID) (BillingRun, error)
}

var (
	ErrRunNotFound        = errors.New("billing_run_not_found")
	ErrInvalidPeriod      = errors.New("invalid_billing_period")
	ErrNoFailedItems      = errors.New("no_failed_items_to_retry")
	ErrRunNotQueued       = errors.New("billing_run_not_queued")
	ErrInvariantViolation = errors.New("ledger_invariant_violation")
)
