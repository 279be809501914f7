// Package domain models billed documents. Invoices, proformas and
// credit notes share one shape with independent numbering sequences;
// the grand total is always recomputed from lines, never edited.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"

	sequencedomain "github.com/wispware/tally/internal/sequence/domain"
)

// Status is the document lifecycle state.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusIssued        Status = "ISSUED"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
	StatusVoid          Status = "VOID"
)

// Invoice is a billed document. The reconciliation invariant is
// TotalAmount == sum over lines of (Amount + TaxAmount).
type Invoice struct {
	ID              snowflake.ID                `gorm:"primaryKey"`
	OrgID           snowflake.ID                `gorm:"not null;index"`
	AccountID       snowflake.ID                `gorm:"not null;index"`
	DocumentType    sequencedomain.DocumentType `gorm:"type:text;not null;default:'INVOICE'"`
	DocumentNumber  string                      `gorm:"type:text;not null"`
	Currency        string                      `gorm:"type:text;not null"`
	PeriodStart     time.Time                   `gorm:"not null"`
	PeriodEnd       time.Time                   `gorm:"not null"`
	IssueDate       time.Time                   `gorm:"not null"`
	DueDate         time.Time                   `gorm:"not null"`
	Status          Status                      `gorm:"type:text;not null;default:'ISSUED'"`
	SubtotalAmount  int64                       `gorm:"not null"`
	TaxAmount       int64                       `gorm:"not null"`
	TotalAmount     int64                       `gorm:"not null"`
	LinkedInvoiceID *snowflake.ID               `gorm:""`
	VoidedAt        *time.Time                  `gorm:""`
	VoidReason      *string                     `gorm:"type:text"`
	CreatedAt       time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Lines []Line `gorm:"-" json:"lines,omitempty"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Line is one priced, taxed position on a document. Tax is rounded
// per line before summation, never on the aggregate.
type Line struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index"`
	InvoiceID   snowflake.ID `gorm:"not null;index"`
	Description string       `gorm:"type:text;not null"`
	Quantity    int64        `gorm:"not null;default:1"`
	UnitAmount  int64        `gorm:"not null"`
	Amount      int64        `gorm:"not null"`
	TaxClassID  snowflake.ID `gorm:"not null"`
	TaxRateBps  int64        `gorm:"not null"`
	TaxAmount   int64        `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Line) TableName() string { return "invoice_lines" }
