// Package domain models the append-only account ledger. Every amount
// owed or paid flows through here; the reconciliation invariant the
// engine protects is that an account's ledger balance always equals
// its outstanding invoice totals minus unallocated payment credits.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Direction marks an entry as a debit (owed) or credit (settled).
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Source types recorded on ledger entries.
const (
	SourceTypeInvoice            = "invoice"
	SourceTypeCreditNote         = "credit_note"
	SourceTypePayment            = "payment"
	SourceTypeUnallocatedPayment = "unallocated_payment"
	SourceTypeVoid               = "void"
	SourceTypeAdjustment         = "adjustment"
)

// Entry is an immutable ledger record. Corrections append offsetting
// entries; rows are never updated or deleted.
type Entry struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	OrgID      snowflake.ID  `gorm:"not null;index"`
	AccountID  snowflake.ID  `gorm:"not null;index"`
	Direction  Direction     `gorm:"type:text;not null"`
	Amount     int64         `gorm:"not null"`
	SourceType string        `gorm:"type:text;not null"`
	SourceID   snowflake.ID  `gorm:"not null"`
	InvoiceID  *snowflake.ID `gorm:"index"`
	OccurredAt time.Time     `gorm:"not null"`
	CreatedAt  time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "ledger_entries" }

// AgingBucket is one day-range partition of overdue outstanding debt.
type AgingBucket struct {
	Label       string `json:"label"`
	FromDays    int    `json:"from_days"`
	ToDays      int    `json:"to_days,omitempty"`
	Outstanding int64  `json:"outstanding"`
}

// Payment is money received from a gateway or manual entry. Applying
// it produces one credit entry per allocation plus an unallocated
// credit for any remainder.
type Payment struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index"`
	AccountID   snowflake.ID `gorm:"not null;index"`
	Amount      int64        `gorm:"not null"`
	Currency    string       `gorm:"type:text;not null"`
	Method      string       `gorm:"type:text;not null;default:'OTHER'"`
	ExternalRef *string      `gorm:""`
	ReceivedAt  time.Time    `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// PaymentAllocation records how a payment was split. A row with a nil
// invoice is the unallocated remainder held against the account.
type PaymentAllocation struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	OrgID     snowflake.ID  `gorm:"not null;index"`
	PaymentID snowflake.ID  `gorm:"not null;index"`
	InvoiceID *snowflake.ID `gorm:"index"`
	Amount    int64         `gorm:"not null"`
	CreatedAt time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAllocation) TableName() string { return "payment_allocations" }

// Allocation links part of a payment to one invoice.
type Allocation struct {
	InvoiceID snowflake.ID
	Amount    int64
}

// ApplyPaymentRequest posts a received payment against the account.
// Allocations may cover only part of the amount; the remainder becomes
// an unallocated credit held for future allocation.
type ApplyPaymentRequest struct {
	OrgID       snowflake.ID
	AccountID   snowflake.ID
	Amount      int64
	Currency    string
	Method      string
	ExternalRef *string
	ReceivedAt  time.Time
	Allocations []Allocation
}

// ApplyPaymentResult reports how the payment landed.
type ApplyPaymentResult struct {
	PaymentID        snowflake.ID   `json:"payment_id"`
	Allocated        int64          `json:"allocated"`
	Unallocated      int64          `json:"unallocated"`
	PaidInvoices     []snowflake.ID `json:"paid_invoices"`
	PartiallyPaid    []snowflake.ID `json:"partially_paid_invoices"`
	ResultingBalance int64          `json:"resulting_balance"`
}
