package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the ledger writer and query surface. AppendTx runs inside
// the caller's transaction so an invoice and its debit entry commit or
// roll back together; callers, not the ledger, decide the boundary.
type Service interface {
	AppendTx(ctx context.Context, tx *gorm.DB, entry Entry) error
	Balance(ctx context.Context, accountID snowflake.ID, asOf *time.Time) (int64, error)
	Aging(ctx context.Context, accountID snowflake.ID, asOf time.Time) ([]AgingBucket, error)
	InvoiceOutstanding(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (int64, error)
	ApplyPayment(ctx context.Context, req ApplyPaymentRequest) (ApplyPaymentResult, error)
	Reconcile(ctx context.Context, accountID snowflake.ID) error
}

var (
	ErrInvalidAccount               = errors.New("invalid_account")
	ErrInvalidAmount                = errors.New("invalid_amount")
	ErrInvalidDirection             = errors.New("invalid_direction")
	ErrInvalidSourceType            = errors.New("invalid_source_type")
	ErrInvalidOccurredAt            = errors.New("invalid_occurred_at")
	ErrCurrencyMismatch             = errors.New("currency_mismatch")
	ErrAllocationExceedsPayment     = errors.New("allocation_exceeds_payment")
	ErrAllocationExceedsOutstanding = errors.New("allocation_exceeds_outstanding")
	ErrInvoiceNotFound              = errors.New("invoice_not_found")
	ErrPaymentAlreadyApplied        = errors.New("payment_already_applied")
	ErrReconciliationMismatch       = errors.New("reconciliation_mismatch")
)
