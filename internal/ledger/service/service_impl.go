package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wispware/tally/internal/config"
	"github.com/wispware/tally/internal/events"
	invoicedomain "github.com/wispware/tally/internal/invoice/domain"
	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
	"github.com/wispware/tally/pkg/db"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Cfg    config.Config
	Outbox *events.Outbox
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	outbox     *events.Outbox
	bucketDays []int
}

func NewService(p Params) ledgerdomain.Service {
	bucketDays := p.Cfg.Ledger.AgingBucketDays
	if len(bucketDays) == 0 {
		bucketDays = []int{30, 60, 90}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		outbox:     p.Outbox,
		bucketDays: bucketDays,
	}
}

// AppendTx inserts one immutable entry inside the caller's transaction.
func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, entry ledgerdomain.Entry) error {
	if tx == nil {
		tx = s.db
	}
	if err := ledgerdomain.ValidateEntry(entry); err != nil {
		return err
	}
	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (id, org_id, account_id, direction, amount, source_type, source_id, invoice_id, occurred_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.OrgID,
		entry.AccountID,
		entry.Direction,
		entry.Amount,
		entry.SourceType,
		entry.SourceID,
		entry.InvoiceID,
		entry.OccurredAt,
		entry.CreatedAt,
	).Error
}

// Balance returns debits minus credits for the account, optionally
// bounded at a point in time.
func (s *Service) Balance(ctx context.Context, accountID snowflake.ID, asOf *time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(CASE direction WHEN 'debit' THEN amount ELSE -amount END), 0)
		 FROM ledger_entries
		 WHERE account_id = ?`
	args := []any{accountID}
	if asOf != nil {
		query += ` AND occurred_at <= ?`
		args = append(args, asOf.UTC())
	}

	var balance int64
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&balance).Error; err != nil {
		return 0, err
	}
	return balance, nil
}

type outstandingRow struct {
	InvoiceID   snowflake.ID
	DueDate     time.Time
	Outstanding int64
}

// Aging partitions outstanding invoice debt into the configured
// day-range buckets keyed on each invoice's due date.
func (s *Service) Aging(ctx context.Context, accountID snowflake.ID, asOf time.Time) ([]ledgerdomain.AgingBucket, error) {
	rows, err := s.listOutstanding(ctx, accountID, asOf)
	if err != nil {
		return nil, err
	}

	buckets := s.emptyBuckets()
	for _, row := range rows {
		if row.Outstanding <= 0 {
			continue
		}
		overdueDays := 0
		if asOf.After(row.DueDate) {
			overdueDays = int(asOf.Sub(row.DueDate).Hours() / 24)
		}
		buckets[s.bucketIndex(overdueDays)].Outstanding += row.Outstanding
	}
	return buckets, nil
}

func (s *Service) listOutstanding(ctx context.Context, accountID snowflake.ID, asOf time.Time) ([]outstandingRow, error) {
	var rows []outstandingRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT i.id AS invoice_id,
		        i.due_date AS due_date,
		        i.total_amount - COALESCE((
		            SELECT SUM(l.amount) FROM ledger_entries l
		            WHERE l.invoice_id = i.id AND l.direction = 'credit' AND l.occurred_at <= ?
		        ), 0) AS outstanding
		 FROM invoices i
		 WHERE i.account_id = ?
		   AND i.document_type = 'INVOICE'
		   AND i.status != ?
		   AND i.issue_date <= ?
		 ORDER BY i.due_date`,
		asOf.UTC(),
		accountID,
		invoicedomain.StatusVoid,
		asOf.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) emptyBuckets() []ledgerdomain.AgingBucket {
	buckets := make([]ledgerdomain.AgingBucket, 0, len(s.bucketDays)+1)
	from := 0
	for _, upper := range s.bucketDays {
		buckets = append(buckets, ledgerdomain.AgingBucket{
			Label:    fmt.Sprintf("%d-%d", from, upper),
			FromDays: from,
			ToDays:   upper,
		})
		from = upper + 1
	}
	last := s.bucketDays[len(s.bucketDays)-1]
	buckets = append(buckets, ledgerdomain.AgingBucket{
		Label:    fmt.Sprintf("%d+", last),
		FromDays: last + 1,
	})
	return buckets
}

func (s *Service) bucketIndex(overdueDays int) int {
	for i, upper := range s.bucketDays {
		if overdueDays <= upper {
			return i
		}
	}
	return len(s.bucketDays)
}

// InvoiceOutstanding computes the invoice total minus all credits
// posted against it (payments, credit notes, void offsets).
func (s *Service) InvoiceOutstanding(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	var rows []struct {
		Outstanding int64
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT i.total_amount - COALESCE((
		            SELECT SUM(l.amount) FROM ledger_entries l
		            WHERE l.invoice_id = i.id AND l.direction = 'credit'
		        ), 0) AS outstanding
		 FROM invoices i
		 WHERE i.id = ?`,
		invoiceID,
	).Scan(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, ledgerdomain.ErrInvoiceNotFound
	}
	return rows[0].Outstanding, nil
}

type accountRow struct {
	ID       snowflake.ID
	OrgID    snowflake.ID
	Currency string
}

// ApplyPayment posts a payment and its allocations in one transaction.
// The account row is locked first so concurrent applications against
// the same account serialize; accounts never block each other.
func (s *Service) ApplyPayment(ctx context.Context, req ledgerdomain.ApplyPaymentRequest) (ledgerdomain.ApplyPaymentResult, error) {
	if err := ledgerdomain.ValidateAllocations(req.Amount, req.Allocations); err != nil {
		return ledgerdomain.ApplyPaymentResult{}, err
	}

	var result ledgerdomain.ApplyPaymentResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrInvalidAccount
		}
		currency := strings.ToUpper(strings.TrimSpace(req.Currency))
		if currency != "" && currency != account.Currency {
			return ledgerdomain.ErrCurrencyMismatch
		}

		paymentID, err := s.insertPayment(ctx, tx, account, req)
		if err != nil {
			return err
		}
		result.PaymentID = paymentID

		now := req.ReceivedAt
		if now.IsZero() {
			now = time.Now().UTC()
		}

		for _, allocation := range req.Allocations {
			outstanding, err := s.InvoiceOutstanding(ctx, tx, allocation.InvoiceID)
			if err != nil {
				return err
			}
			if allocation.Amount > outstanding {
				return ledgerdomain.ErrAllocationExceedsOutstanding
			}

			if err := s.insertAllocation(ctx, tx, account.OrgID, paymentID, &allocation.InvoiceID, allocation.Amount); err != nil {
				return err
			}
			invoiceID := allocation.InvoiceID
			if err := s.AppendTx(ctx, tx, ledgerdomain.Entry{
				OrgID:      account.OrgID,
				AccountID:  account.ID,
				Direction:  ledgerdomain.DirectionCredit,
				Amount:     allocation.Amount,
				SourceType: ledgerdomain.SourceTypePayment,
				SourceID:   paymentID,
				InvoiceID:  &invoiceID,
				OccurredAt: now,
			}); err != nil {
				return err
			}

			remaining := outstanding - allocation.Amount
			if err := s.updateInvoicePaidStatus(ctx, tx, allocation.InvoiceID, remaining); err != nil {
				return err
			}
			if remaining == 0 {
				result.PaidInvoices = append(result.PaidInvoices, allocation.InvoiceID)
			} else {
				result.PartiallyPaid = append(result.PartiallyPaid, allocation.InvoiceID)
			}
			result.Allocated += allocation.Amount
		}

		if remainder := req.Amount - result.Allocated; remainder > 0 {
			if err := s.insertAllocation(ctx, tx, account.OrgID, paymentID, nil, remainder); err != nil {
				return err
			}
			if err := s.AppendTx(ctx, tx, ledgerdomain.Entry{
				OrgID:      account.OrgID,
				AccountID:  account.ID,
				Direction:  ledgerdomain.DirectionCredit,
				Amount:     remainder,
				SourceType: ledgerdomain.SourceTypeUnallocatedPayment,
				SourceID:   paymentID,
				OccurredAt: now,
			}); err != nil {
				return err
			}
			result.Unallocated = remainder
		}

		balance, err := s.balanceTx(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		result.ResultingBalance = balance

		return s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID:     account.OrgID,
			Type:      events.EventPaymentApplied,
			DedupeKey: "payment:" + paymentID.String(),
			Payload: map[string]any{
				"payment_id": paymentID.String(),
				"account_id": account.ID.String(),
				"amount":     req.Amount,
			},
		})
	})
	if err != nil {
		return ledgerdomain.ApplyPaymentResult{}, err
	}
	return result, nil
}

func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*accountRow, error) {
	var account accountRow
	err := tx.WithContext(ctx).Raw(
		`SELECT id, org_id, currency FROM billing_accounts WHERE id = ?`+db.ForUpdate(tx),
		accountID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (s *Service) insertPayment(ctx context.Context, tx *gorm.DB, account *accountRow, req ledgerdomain.ApplyPaymentRequest) (snowflake.ID, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = "OTHER"
	}
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	paymentID := s.genID.Generate()
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO payments (id, org_id, account_id, amount, currency, method, external_ref, received_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, external_ref) WHERE external_ref IS NOT NULL DO NOTHING`,
		paymentID,
		account.OrgID,
		account.ID,
		req.Amount,
		account.Currency,
		method,
		req.ExternalRef,
		receivedAt,
		time.Now().UTC(),
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ledgerdomain.ErrPaymentAlreadyApplied
	}
	return paymentID, nil
}

func (s *Service) insertAllocation(ctx context.Context, tx *gorm.DB, orgID, paymentID snowflake.ID, invoiceID *snowflake.ID, amount int64) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO payment_allocations (id, org_id, payment_id, invoice_id, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		orgID,
		paymentID,
		invoiceID,
		amount,
		time.Now().UTC(),
	).Error
}

func (s *Service) updateInvoicePaidStatus(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, remaining int64) error {
	status := invoicedomain.StatusPartiallyPaid
	if remaining == 0 {
		status = invoicedomain.StatusPaid
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		status,
		time.Now().UTC(),
		invoiceID,
		invoicedomain.StatusVoid,
		invoicedomain.StatusDraft,
	).Error
}

func (s *Service) balanceTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (int64, error) {
	var balance int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE direction WHEN 'debit' THEN amount ELSE -amount END), 0)
		 FROM ledger_entries WHERE account_id = ?`,
		accountID,
	).Scan(&balance).Error
	return balance, err
}

// Reconcile checks the core invariant: ledger balance equals the sum
// of outstanding non-void invoice totals minus credits not tied to an
// invoice. A mismatch means a correctness bug, not a transient state.
func (s *Service) Reconcile(ctx context.Context, accountID snowflake.ID) error {
	balance, err := s.Balance(ctx, accountID, nil)
	if err != nil {
		return err
	}

	var outstanding int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(
		    i.total_amount - COALESCE((
		        SELECT SUM(l.amount) FROM ledger_entries l
		        WHERE l.invoice_id = i.id AND l.direction = 'credit'
		    ), 0)
		 ), 0)
		 FROM invoices i
		 WHERE i.account_id = ? AND i.document_type = 'INVOICE' AND i.status != ?`,
		accountID,
		invoicedomain.StatusVoid,
	).Scan(&outstanding).Error; err != nil {
		return err
	}

	var floatingCredits int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM ledger_entries
		 WHERE account_id = ? AND direction = 'credit' AND invoice_id IS NULL`,
		accountID,
	).Scan(&floatingCredits).Error; err != nil {
		return err
	}

	if balance != outstanding-floatingCredits {
		s.log.Error("ledger reconciliation mismatch",
			zap.String("account_id", accountID.String()),
			zap.Int64("balance", balance),
			zap.Int64("outstanding", outstanding),
			zap.Int64("floating_credits", floatingCredits),
		)
		return ledgerdomain.ErrReconciliationMismatch
	}
	return nil
}
