// Package domain models the billing run: one orchestrated pass that
// turns every due account in a period into an invoice. Runs record a
// per-account outcome so partial failure is visible and retryable.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RunStatus is the run lifecycle. A run that finished with failed
// accounts is PARTIALLY_FAILED, never silently COMPLETED.
type RunStatus string

const (
	RunStatusQueued          RunStatus = "QUEUED"
	RunStatusRunning         RunStatus = "RUNNING"
	RunStatusCompleted       RunStatus = "COMPLETED"
	RunStatusPartiallyFailed RunStatus = "PARTIALLY_FAILED"
	RunStatusFailed          RunStatus = "FAILED"
)

// ItemStatus is the per-account outcome inside a run.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "PENDING"
	ItemStatusSucceeded ItemStatus = "SUCCEEDED"
	ItemStatusSkipped   ItemStatus = "SKIPPED"
	ItemStatusFailed    ItemStatus = "FAILED"
)

// Error kinds recorded on failed items.
const (
	ErrorKindCurrencyMismatch = "currency_mismatch"
	ErrorKindCalculation      = "calculation"
	ErrorKindAssembly         = "assembly"
	ErrorKindContention       = "contention"
)

type BillingRun struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	OrgID             snowflake.ID  `gorm:"not null;index"`
	PeriodStart       time.Time     `gorm:"not null"`
	PeriodEnd         time.Time     `gorm:"not null"`
	Status            RunStatus     `gorm:"type:text;not null;default:'QUEUED'"`
	AccountsTotal     int           `gorm:"not null;default:0"`
	AccountsSucceeded int           `gorm:"not null;default:0"`
	AccountsSkipped   int           `gorm:"not null;default:0"`
	AccountsFailed    int           `gorm:"not null;default:0"`
	RetryOfRunID      *snowflake.ID `gorm:""`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt       *time.Time    `gorm:""`
}

// TableName sets the database table name.
func (BillingRun) TableName() string { return "billing_runs" }

// BillingRunItem is one account's outcome inside a run. The unique
// (run_id, account_id) pair means an account is processed at most once
// per run.
type BillingRunItem struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	RunID       snowflake.ID  `gorm:"not null;index"`
	OrgID       snowflake.ID  `gorm:"not null"`
	AccountID   snowflake.ID  `gorm:"not null"`
	Status      ItemStatus    `gorm:"type:text;not null;default:'PENDING'"`
	ErrorKind   *string       `gorm:"type:text"`
	ErrorDetail *string       `gorm:"type:text"`
	InvoiceID   *snowflake.ID `gorm:""`
	CreatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingRunItem) TableName() string { return "billing_run_items" }
