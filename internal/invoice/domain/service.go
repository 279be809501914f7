package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	chargedomain "github.com/wispware/tally/internal/charge/domain"
	sequencedomain "github.com/wispware/tally/internal/sequence/domain"
	"github.com/wispware/tally/pkg/db/pagination"
)

// AssembleRequest groups calculated line items into one document for
// an account and period.
type AssembleRequest struct {
	OrgID           snowflake.ID
	AccountID       snowflake.ID
	DocumentType    sequencedomain.DocumentType
	Period          chargedomain.Period
	LineItems       []chargedomain.LineItem
	LinkedInvoiceID *snowflake.ID
	IssueDate       time.Time
}

// AssembleResult reports the persisted document and whether an earlier
// idempotent write already covered the period.
type AssembleResult struct {
	Invoice        Invoice
	AlreadyExisted bool
}

// Totals is the preview-mode output: the same computation as assembly
// without the persisting writes.
type Totals struct {
	Subtotal int64
	Tax      int64
	Total    int64
	Lines    int
}

type ListInvoicesRequest struct {
	pagination.Request
	AccountID    snowflake.ID
	DocumentType sequencedomain.DocumentType
	Status       Status
}

type ListInvoicesResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

// Service assembles, retrieves and voids documents. Assemble persists
// the invoice and its debit ledger entry in one transaction and is
// idempotent per (account, period, document type).
type Service interface {
	Assemble(ctx context.Context, req AssembleRequest) (AssembleResult, error)
	ComputeTotals(ctx context.Context, orgID snowflake.ID, items []chargedomain.LineItem) (Totals, error)
	GetByID(ctx context.Context, id snowflake.ID) (Invoice, error)
	List(ctx context.Context, req ListInvoicesRequest) (ListInvoicesResponse, error)
	Void(ctx context.Context, id snowflake.ID, reason string) error
}

var (
	ErrInvoiceNotFound        = errors.New("invoice_not_found")
	ErrInvoiceAlreadyVoid     = errors.New("invoice_already_void")
	ErrTaxClassUnresolved     = errors.New("tax_class_unresolved")
	ErrEmptyDocument          = errors.New("empty_document")
	ErrLinkedInvoiceNotFound  = errors.New("linked_invoice_not_found")
	ErrCreditExceedsInvoice   = errors.New("credit_exceeds_outstanding")
	ErrTotalMismatch          = errors.New("invoice_total_mismatch")
	ErrInvalidDocumentPeriod  = errors.New("invalid_document_period")
	ErrAccountInactive        = errors.New("account_inactive")
	ErrChargeAlreadyBilled    = errors.New("pending_charge_already_billed")
)
