package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/wispware/tally/internal/account/domain"
	chargedomain "github.com/wispware/tally/internal/charge/domain"
	"github.com/wispware/tally/internal/config"
	dunningdomain "github.com/wispware/tally/internal/dunning/domain"
	"github.com/wispware/tally/internal/events"
	invoicedomain "github.com/wispware/tally/internal/invoice/domain"
	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
	sequencedomain "github.com/wispware/tally/internal/sequence/domain"
	sequenceservice "github.com/wispware/tally/internal/sequence/service"
	"github.com/wispware/tally/pkg/repository"
)

// fallbackDueDays applies when no dunning policy resolves; invoicing
// is fail-closed and must not stop on policy misconfiguration.
const fallbackDueDays = 14

var documentPrefixes = map[sequencedomain.DocumentType]string{
	sequencedomain.DocumentTypeInvoice:    "INV",
	sequencedomain.DocumentTypeProforma:   "PRO",
	sequencedomain.DocumentTypeCreditNote: "CN",
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Cfg       config.Config
	Accounts  accountdomain.Repository
	Sequencer sequencedomain.Sequencer
	LedgerSvc ledgerdomain.Service
	Policies  dunningdomain.PolicyResolver
	Outbox    *events.Outbox
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	epoch     sequencedomain.Epoch
	accounts  accountdomain.Repository
	sequencer sequencedomain.Sequencer
	ledgerSvc ledgerdomain.Service
	policies  dunningdomain.PolicyResolver
	outbox    *events.Outbox

	invoiceRepo repository.Repository[invoicedomain.Invoice]
	lineRepo    repository.Repository[invoicedomain.Line]
}

func NewService(p Params) invoicedomain.Service {
	epoch := sequencedomain.Epoch(strings.ToLower(strings.TrimSpace(p.Cfg.BillingRun.NumberingEpoch)))
	if epoch != sequencedomain.EpochYearly && epoch != sequencedomain.EpochNone {
		epoch = sequencedomain.EpochYearly
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("invoice.service"),
		genID:       p.GenID,
		epoch:       epoch,
		accounts:    p.Accounts,
		sequencer:   p.Sequencer,
		ledgerSvc:   p.LedgerSvc,
		policies:    p.Policies,
		outbox:      p.Outbox,
		invoiceRepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		lineRepo:    repository.ProvideStore[invoicedomain.Line](p.DB),
	}
}

// Assemble persists one document and its ledger posting atomically.
// An existing non-void document for the same (account, period, type)
// short-circuits to a success no-op: this is what makes re-running a
// failed billing run safe.
func (s *Service) Assemble(ctx context.Context, req invoicedomain.AssembleRequest) (invoicedomain.AssembleResult, error) {
	if !req.Period.End.After(req.Period.Start) {
		return invoicedomain.AssembleResult{}, invoicedomain.ErrInvalidDocumentPeriod
	}
	if !sequencedomain.ValidDocumentType(req.DocumentType) {
		return invoicedomain.AssembleResult{}, sequencedomain.ErrInvalidDocumentType
	}
	if len(req.LineItems) == 0 {
		return invoicedomain.AssembleResult{}, invoicedomain.ErrEmptyDocument
	}

	account, err := s.accounts.GetAccount(ctx, req.AccountID)
	if err != nil {
		return invoicedomain.AssembleResult{}, err
	}
	if !account.IsActive {
		return invoicedomain.AssembleResult{}, invoicedomain.ErrAccountInactive
	}

	if existing, err := s.findExisting(ctx, s.db, req); err != nil {
		return invoicedomain.AssembleResult{}, err
	} else if existing != nil {
		return invoicedomain.AssembleResult{Invoice: *existing, AlreadyExisted: true}, nil
	}

	lines, totals, err := s.buildLines(ctx, account.OrgID, req.LineItems)
	if err != nil {
		return invoicedomain.AssembleResult{}, err
	}

	issueDate := req.IssueDate
	if issueDate.IsZero() {
		issueDate = time.Now().UTC()
	}
	dueDate := issueDate.AddDate(0, 0, s.dueDays(ctx, account.OrgID, account.ID))

	var invoice invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.DocumentType == sequencedomain.DocumentTypeCreditNote && req.LinkedInvoiceID != nil {
			if err := s.checkCreditNoteLink(ctx, tx, req, totals.Total); err != nil {
				return err
			}
		}

		epochKey := sequenceservice.EpochKey(s.epoch, issueDate)
		number, err := s.sequencer.Next(ctx, tx, account.OrgID, req.DocumentType, epochKey)
		if err != nil {
			return err
		}

		invoice = invoicedomain.Invoice{
			ID:              s.genID.Generate(),
			OrgID:           account.OrgID,
			AccountID:       account.ID,
			DocumentType:    req.DocumentType,
			DocumentNumber:  formatDocumentNumber(req.DocumentType, epochKey, number),
			Currency:        account.Currency,
			PeriodStart:     req.Period.Start,
			PeriodEnd:       req.Period.End,
			IssueDate:       issueDate,
			DueDate:         dueDate,
			Status:          invoicedomain.StatusIssued,
			SubtotalAmount:  totals.Subtotal,
			TaxAmount:       totals.Tax,
			TotalAmount:     totals.Total,
			LinkedInvoiceID: req.LinkedInvoiceID,
			CreatedAt:       time.Now().UTC(),
			UpdatedAt:       time.Now().UTC(),
		}
		if err := verifyTotals(invoice, lines); err != nil {
			return err
		}

		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}
		for i := range lines {
			lines[i].ID = s.genID.Generate()
			lines[i].OrgID = account.OrgID
			lines[i].InvoiceID = invoice.ID
		}
		if len(lines) > 0 {
			if err := tx.Create(&lines).Error; err != nil {
				return err
			}
		}

		if err := s.postLedgerEntry(ctx, tx, account, invoice, req.LinkedInvoiceID); err != nil {
			return err
		}
		if err := s.stampPendingCharges(ctx, tx, invoice.ID, req.LineItems); err != nil {
			return err
		}

		eventType := events.EventInvoiceIssued
		if req.DocumentType == sequencedomain.DocumentTypeCreditNote {
			eventType = events.EventCreditNoteIssued
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID:     account.OrgID,
			Type:      eventType,
			DedupeKey: "document:" + invoice.ID.String(),
			Payload: events.InvoicePayload{
				InvoiceID: invoice.ID.String(),
				AccountID: account.ID.String(),
			}.ToMap(),
		})
	})
	if err != nil {
		// A concurrent run may have won the uniqueness race; the
		// storage constraint is the authoritative idempotency check.
		if isUniqueViolation(err) {
			if existing, findErr := s.findExisting(ctx, s.db, req); findErr == nil && existing != nil {
				return invoicedomain.AssembleResult{Invoice: *existing, AlreadyExisted: true}, nil
			}
		}
		return invoicedomain.AssembleResult{}, err
	}

	invoice.Lines = lines
	return invoicedomain.AssembleResult{Invoice: invoice}, nil
}

// ComputeTotals runs the assembly computation without any writes. The
// billing-run preview shares this path so preview and execution can
// never drift.
func (s *Service) ComputeTotals(ctx context.Context, orgID snowflake.ID, items []chargedomain.LineItem) (invoicedomain.Totals, error) {
	_, totals, err := s.buildLines(ctx, orgID, items)
	if err != nil {
		return invoicedomain.Totals{}, err
	}
	return totals, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	invoice, err := s.invoiceRepo.FindByID(ctx, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	lines, err := s.lineRepo.Find(ctx, "invoice_id = ?", id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoice.Lines = lines
	return *invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoicesRequest) (invoicedomain.ListInvoicesResponse, error) {
	query := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{})
	if req.AccountID != 0 {
		query = query.Where("account_id = ?", req.AccountID)
	}
	if req.DocumentType != "" {
		query = query.Where("document_type = ?", req.DocumentType)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}

	var invoices []invoicedomain.Invoice
	if err := query.
		Order("issue_date DESC, id DESC").
		Offset(req.Offset()).
		Limit(req.Limit()).
		Find(&invoices).Error; err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}

	return invoicedomain.ListInvoicesResponse{
		PageInfo: req.Info(total),
		Invoices: invoices,
	}, nil
}

// Void marks the document void and appends the offsetting credit so
// the ledger trail stays complete. Entries are never deleted.
func (s *Service) Void(ctx context.Context, id snowflake.ID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := repository.ProvideStore[invoicedomain.Invoice](tx).FindByID(ctx, id)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.StatusVoid {
			return invoicedomain.ErrInvoiceAlreadyVoid
		}

		now := time.Now().UTC()
		result := tx.Exec(
			`UPDATE invoices SET status = ?, voided_at = ?, void_reason = ?, updated_at = ?
			 WHERE id = ? AND status != ?`,
			invoicedomain.StatusVoid,
			now,
			strings.TrimSpace(reason),
			now,
			id,
			invoicedomain.StatusVoid,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invoicedomain.ErrInvoiceAlreadyVoid
		}

		if invoice.DocumentType == sequencedomain.DocumentTypeInvoice {
			invoiceID := invoice.ID
			if err := s.ledgerSvc.AppendTx(ctx, tx, ledgerdomain.Entry{
				OrgID:      invoice.OrgID,
				AccountID:  invoice.AccountID,
				Direction:  ledgerdomain.DirectionCredit,
				Amount:     invoice.TotalAmount,
				SourceType: ledgerdomain.SourceTypeVoid,
				SourceID:   invoice.ID,
				InvoiceID:  &invoiceID,
				OccurredAt: now,
			}); err != nil {
				return err
			}
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID:     invoice.OrgID,
			Type:      events.EventInvoiceVoided,
			DedupeKey: "void:" + invoice.ID.String(),
			Payload: events.InvoicePayload{
				InvoiceID: invoice.ID.String(),
				AccountID: invoice.AccountID.String(),
			}.ToMap(),
		})
	})
}

func (s *Service) findExisting(ctx context.Context, db *gorm.DB, req invoicedomain.AssembleRequest) (*invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("account_id = ? AND period_start = ? AND period_end = ? AND document_type = ? AND status != ?",
			req.AccountID, req.Period.Start, req.Period.End, req.DocumentType, invoicedomain.StatusVoid).
		Limit(1).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, nil
	}
	invoice := invoices[0]
	lines, err := s.lineRepo.Find(ctx, "invoice_id = ?", invoice.ID)
	if err != nil {
		return nil, err
	}
	invoice.Lines = lines
	return &invoice, nil
}

// buildLines resolves tax classes and computes per-line tax with the
// fixed round-half-even rule, returning the document totals.
func (s *Service) buildLines(ctx context.Context, orgID snowflake.ID, items []chargedomain.LineItem) ([]invoicedomain.Line, invoicedomain.Totals, error) {
	taxClassIDs := make([]snowflake.ID, 0, len(items))
	seen := make(map[snowflake.ID]bool)
	for _, item := range items {
		if !seen[item.TaxClassID] {
			seen[item.TaxClassID] = true
			taxClassIDs = append(taxClassIDs, item.TaxClassID)
		}
	}
	sort.Slice(taxClassIDs, func(i, j int) bool { return taxClassIDs[i] < taxClassIDs[j] })

	rates := make(map[snowflake.ID]int64, len(taxClassIDs))
	for _, id := range taxClassIDs {
		taxClass, err := s.accounts.GetTaxClass(ctx, id)
		if err != nil {
			return nil, invoicedomain.Totals{}, invoicedomain.ErrTaxClassUnresolved
		}
		if taxClass.OrgID != orgID {
			return nil, invoicedomain.Totals{}, invoicedomain.ErrTaxClassUnresolved
		}
		rates[id] = taxClass.RateBps
	}

	lines := make([]invoicedomain.Line, 0, len(items))
	var totals invoicedomain.Totals
	for _, item := range items {
		rate := rates[item.TaxClassID]
		tax := taxFor(item.Amount, rate)
		lines = append(lines, invoicedomain.Line{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitAmount:  item.UnitAmount,
			Amount:      item.Amount,
			TaxClassID:  item.TaxClassID,
			TaxRateBps:  rate,
			TaxAmount:   tax,
			CreatedAt:   time.Now().UTC(),
		})
		totals.Subtotal += item.Amount
		totals.Tax += tax
	}
	totals.Total = totals.Subtotal + totals.Tax
	totals.Lines = len(lines)
	return lines, totals, nil
}

func (s *Service) checkCreditNoteLink(ctx context.Context, tx *gorm.DB, req invoicedomain.AssembleRequest, creditTotal int64) error {
	linked, err := repository.ProvideStore[invoicedomain.Invoice](tx).FindByID(ctx, *req.LinkedInvoiceID)
	if err != nil {
		return err
	}
	if linked == nil || linked.AccountID != req.AccountID || linked.Status == invoicedomain.StatusVoid {
		return invoicedomain.ErrLinkedInvoiceNotFound
	}
	outstanding, err := s.ledgerSvc.InvoiceOutstanding(ctx, tx, linked.ID)
	if err != nil {
		return err
	}
	if creditTotal > outstanding {
		return invoicedomain.ErrCreditExceedsInvoice
	}
	return nil
}

func (s *Service) postLedgerEntry(
	ctx context.Context,
	tx *gorm.DB,
	account *accountdomain.BillingAccount,
	invoice invoicedomain.Invoice,
	linkedInvoiceID *snowflake.ID,
) error {
	switch invoice.DocumentType {
	case sequencedomain.DocumentTypeInvoice:
		invoiceID := invoice.ID
		return s.ledgerSvc.AppendTx(ctx, tx, ledgerdomain.Entry{
			OrgID:      account.OrgID,
			AccountID:  account.ID,
			Direction:  ledgerdomain.DirectionDebit,
			Amount:     invoice.TotalAmount,
			SourceType: ledgerdomain.SourceTypeInvoice,
			SourceID:   invoice.ID,
			InvoiceID:  &invoiceID,
			OccurredAt: invoice.IssueDate,
		})
	case sequencedomain.DocumentTypeCreditNote:
		return s.ledgerSvc.AppendTx(ctx, tx, ledgerdomain.Entry{
			OrgID:      account.OrgID,
			AccountID:  account.ID,
			Direction:  ledgerdomain.DirectionCredit,
			Amount:     invoice.TotalAmount,
			SourceType: ledgerdomain.SourceTypeCreditNote,
			SourceID:   invoice.ID,
			InvoiceID:  linkedInvoiceID,
			OccurredAt: invoice.IssueDate,
		})
	default:
		// Proformas are not accounting documents; they carry a number
		// but post nothing.
		return nil
	}
}

func (s *Service) stampPendingCharges(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, items []chargedomain.LineItem) error {
	for _, item := range items {
		if item.PendingChargeID == nil {
			continue
		}
		result := tx.WithContext(ctx).Exec(
			`UPDATE pending_charges SET billed_invoice_id = ?
			 WHERE id = ? AND billed_invoice_id IS NULL`,
			invoiceID,
			*item.PendingChargeID,
		)
		if result.Error != nil {
			return result.Error
		}
		// Zero rows means another document claimed the charge; carrying
		// its amount here would bill it twice.
		if result.RowsAffected == 0 {
			return invoicedomain.ErrChargeAlreadyBilled
		}
	}
	return nil
}

func (s *Service) dueDays(ctx context.Context, orgID, accountID snowflake.ID) int {
	policy, ok, err := s.policies.Resolve(ctx, orgID, accountID)
	if err != nil || !ok || policy.DueDays <= 0 {
		return fallbackDueDays
	}
	return policy.DueDays
}

func verifyTotals(invoice invoicedomain.Invoice, lines []invoicedomain.Line) error {
	var sum int64
	for _, line := range lines {
		sum += line.Amount + line.TaxAmount
	}
	if invoice.TotalAmount != sum || invoice.TotalAmount != invoice.SubtotalAmount+invoice.TaxAmount {
		return invoicedomain.ErrTotalMismatch
	}
	return nil
}

func formatDocumentNumber(docType sequencedomain.DocumentType, epochKey string, number int64) string {
	prefix := documentPrefixes[docType]
	if epochKey == "" {
		return fmt.Sprintf("%s-%06d", prefix, number)
	}
	return fmt.Sprintf("%s-%s-%06d", prefix, epochKey, number)
}

// taxFor applies a basis-point rate with banker's rounding per line.
func taxFor(amount, rateBps int64) int64 {
	if rateBps == 0 || amount == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(rateBps)).
		Div(decimal.NewFromInt(10000)).
		RoundBank(0).
		IntPart()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
