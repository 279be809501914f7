package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/wispware/tally/internal/account/domain"
	"github.com/wispware/tally/internal/config"
	"github.com/wispware/tally/internal/events"
	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
	"github.com/wispware/tally/internal/testutil"
)

type ledgerFixture struct {
	db      *gorm.DB
	svc     ledgerdomain.Service
	genID   *snowflake.Node
	org     accountdomain.Organization
	account accountdomain.BillingAccount
	now     time.Time
}

func setupLedgerTest(t *testing.T) *ledgerFixture {
	t.Helper()
	db := testutil.OpenTestDB(t)
	genID := testutil.NewIDNode(t)

	org := accountdomain.Organization{ID: genID.Generate(), Name: "wisp-east", Currency: "USD"}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("create org: %v", err)
	}
	account := accountdomain.BillingAccount{
		ID: genID.Generate(), OrgID: org.ID, Name: "acme", Currency: "USD", AnchorDay: 1, IsActive: true,
	}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}

	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  genID,
		Cfg:    config.Config{Ledger: config.LedgerConfig{AgingBucketDays: []int{30, 60, 90}}},
		Outbox: events.NewOutbox(db, genID),
	})

	return &ledgerFixture{
		db: db, svc: svc, genID: genID, org: org, account: account,
		now: time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *ledgerFixture) addInvoice(t *testing.T, total int64, dueDate time.Time) snowflake.ID {
	t.Helper()
	id := f.genID.Generate()
	issue := dueDate.AddDate(0, 0, -14)
	if err := f.db.Exec(
		`INSERT INTO invoices (id, org_id, account_id, document_type, document_number, currency,
		    period_start, period_end, issue_date, due_date, status, subtotal_amount, tax_amount, total_amount)
		 VALUES (?, ?, ?, 'INVOICE', ?, 'USD', ?, ?, ?, ?, 'ISSUED', ?, 0, ?)`,
		id, f.org.ID, f.account.ID, "INV-"+id.String(),
		issue.AddDate(0, -1, 0), issue, issue, dueDate, total, total,
	).Error; err != nil {
		t.Fatalf("insert invoice: %v", err)
	}
	invoiceID := id
	if err := f.svc.AppendTx(context.Background(), nil, ledgerdomain.Entry{
		OrgID:      f.org.ID,
		AccountID:  f.account.ID,
		Direction:  ledgerdomain.DirectionDebit,
		Amount:     total,
		SourceType: ledgerdomain.SourceTypeInvoice,
		SourceID:   id,
		InvoiceID:  &invoiceID,
		OccurredAt: issue,
	}); err != nil {
		t.Fatalf("append debit: %v", err)
	}
	return id
}

func TestBalanceSumsDebitsMinusCredits(t *testing.T) {
	f := setupLedgerTest(t)
	ctx := context.Background()

	f.addInvoice(t, 3000, f.now.AddDate(0, 0, 10))
	f.addInvoice(t, 4500, f.now.AddDate(0, 0, 10))
	if err := f.svc.AppendTx(ctx, nil, ledgerdomain.Entry{
		OrgID:      f.org.ID,
		AccountID:  f.account.ID,
		Direction:  ledgerdomain.DirectionCredit,
		Amount:     1000,
		SourceType: ledgerdomain.SourceTypeUnallocatedPayment,
		SourceID:   f.genID.Generate(),
		OccurredAt: f.now,
	}); err != nil {
		t.Fatalf("append credit: %v", err)
	}

	balance, err := f.svc.Balance(ctx, f.account.ID, nil)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 6500 {
		t.Fatalf("balance: want 6500, got %d", balance)
	}
}

func TestBalanceAsOfExcludesLaterEntries(t *testing.T) {
	f := setupLedgerTest(t)
	ctx := context.Background()
	f.addInvoice(t, 3000, f.now.AddDate(0, 0, 10)) // occurred 14 days before due

	asOf := f.now.AddDate(0, -2, 0)
	balance, err := f.svc.Balance(ctx, f.account.ID, &asOf)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("as-of balance: want 0, got %d", balance)
	}
}

func TestInvoiceOutstandingNetsCredits(t *testing.T) {
	f := setupLedgerTest(t)
	ctx := context.Background()
	invoiceID := f.addInvoice(t, 5000, f.now.AddDate(0, 0, 10))

	if err := f.svc.AppendTx(ctx, nil, ledgerdomain.Entry{
		OrgID:      f.org.ID,
		AccountID:  f.account.ID,
		Direction:  ledgerdomain.DirectionCredit,
		Amount:     1500,
		SourceType: ledgerdomain.SourceTypePayment,
		SourceID:   f.genID.Generate(),
		InvoiceID:  &invoiceID,
		OccurredAt: f.now,
	}); err != nil {
		t.Fatalf("append credit: %v", err)
	}

	outstanding, err := f.svc.InvoiceOutstanding(ctx, nil, invoiceID)
	if err != nil {
		t.Fatalf("invoice outstanding: %v", err)
	}
	if outstanding != 3500 {
		t.Fatalf("outstanding: want 3500, got %d", outstanding)
	}
}

func TestInvoiceOutstandingMissingInvoice(t *testing.T) {
	f := setupLedgerTest(t)

	_, err := f.svc.InvoiceOutstanding(context.Background(), nil, f.genID.Generate())
	if !errors.Is(err, ledgerdomain.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	f := setupLedgerTest(t)
	ctx := context.Background()

	err := f.svc.AppendTx(ctx, nil, ledgerdomain.Entry{
		OrgID:      f.org.ID,
		AccountID:  f.account.ID,
		Direction:  ledgerdomain.DirectionDebit,
		Amount:     -5,
		SourceType: ledgerdomain.SourceTypeInvoice,
		SourceID:   1,
		OccurredAt: f.now,
	})
	if !errors.Is(err, ledgerdomain.ErrInvalidAmount) {
		t.Fatalf("expected invalid_amount, got %v", err)
	}

	err = f.svc.AppendTx(ctx, nil, ledgerdomain.Entry{
		OrgID:      f.org.ID,
		AccountID:  f.account.ID,
		Direction:  ledgerdomain.Direction("sideways"),
		Amount:     100,
		SourceType: ledgerdomain.SourceTypeInvoice,
		SourceID:   1,
		OccurredAt: f.now,
	})
	if !errors.Is(err, ledgerdomain.ErrInvalidDirection) {
		t.Fatalf("expected invalid_direction, got %v", err)
	}
}

func TestAgingBucketsByOverdueDays(t *testing.T) {
	f := setupLedgerTest(t)

	f.addInvoice(t, 1000, f.now.AddDate(0, 0, -10)) // 0-30 bucket
	f.addInvoice(t, 2000, f.now.AddDate(0, 0, -45)) // 31-60 bucket
	f.addInvoice(t, 3000, f.now.AddDate(0, 0, -70)) // 61-90 bucket
	f.addInvoice(t, 4000, f.now.AddDate(0, 0, -120)) // 90+ bucket
	f.addInvoice(t, 5000, f.now.AddDate(0, 0, 20)) // not yet due, still 0-30

	buckets, err := f.svc.Aging(context.Background(), f.account.ID, f.now)
	if err != nil {
		t.Fatalf("aging: %v", err)
	}
	if len(buckets) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(buckets))
	}
	want := []int64{6000, 2000, 3000, 4000}
	for i, bucket := range buckets {
		if bucket.Outstanding != want[i] {
			t.Fatalf("bucket %s: want %d, got %d", bucket.Label, want[i], bucket.Outstanding)
		}
	}
}

func TestApplyPaymentSplitsAndTracksRemainder(t *testing.T) {
	f := setupLedgerTest(t)
	ctx := context.Background()
	first := f.addInvoice(t, 3000, f.now.AddDate(0, 0, -1))
	second := f.addInvoice(t, 4000, f.now.AddDate(0, 0, -1))

	ref := "gw-5005"
	result, err := f.svc.ApplyPayment(ctx, ledgerdomain.ApplyPaymentRequest{
		OrgID:       f.org.ID,
		AccountID:   f.account.ID,
		Amount:      6000,
		Currency:    "USD",
		ExternalRef: &ref,
		ReceivedAt:  f.now,
		Allocations: []ledgerdomain.Allocation{
			{InvoiceID: first, Amount: 3000},
			{InvoiceID: second, Amount: 2000},
		},
	})
	if err != nil {
		t.Fatalf("apply payment: %v", err)
	}

	if result.Allocated != 5000 || result.Unallocated != 1000 {
		t.Fatalf("unexpected split: %+v", result)
	}
	if len(result.PaidInvoices) != 1 || result.PaidInvoices[0] != first {
		t.Fatalf("expected first invoice paid in full, got %+v", result.PaidInvoices)
	}
	if len(result.PartiallyPaid) != 1 || result.PartiallyPaid[0] != second {
		t.Fatalf("expected second invoice partial, got %+v", result.PartiallyPaid)
	}
	// 7000 invoiced - 6000 paid.
	if result.ResultingBalance != 1000 {
		t.Fatalf("resulting balance: want 1000, got %d", result.ResultingBalance)
	}

	if err := f.svc.Reconcile(ctx, f.account.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestApplyPaymentRejectsOverAllocationPerInvoice(t *testing.T) {
	f := setupLedgerTest(t)
	invoiceID := f.addInvoice(t, 3000, f.now.AddDate(0, 0, -1))

	ref := "gw-6006"
	_, err := f.svc.ApplyPayment(context.Background(), ledgerdomain.ApplyPaymentRequest{
		OrgID:       f.org.ID,
		AccountID:   f.account.ID,
		Amount:      5000,
		ExternalRef: &ref,
		Allocations: []ledgerdomain.Allocation{{InvoiceID: invoiceID, Amount: 5000}},
	})
	if !errors.Is(err, ledgerdomain.ErrAllocationExceedsOutstanding) {
		t.Fatalf("expected allocation_exceeds_outstanding, got %v", err)
	}

	// The rejected payment must leave no trace.
	var count int64
	if err := f.db.Raw(`SELECT COUNT(1) FROM payments`).Scan(&count).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if count != 0 {
		t.Fatalf("rolled-back payment persisted, count %d", count)
	}
}

func TestApplyPaymentRejectsCurrencyMismatch(t *testing.T) {
	f := setupLedgerTest(t)
	f.addInvoice(t, 3000, f.now.AddDate(0, 0, -1))

	ref := "gw-7007"
	_, err := f.svc.ApplyPayment(context.Background(), ledgerdomain.ApplyPaymentRequest{
		OrgID:       f.org.ID,
		AccountID:   f.account.ID,
		Amount:      3000,
		Currency:    "EUR",
		ExternalRef: &ref,
	})
	if !errors.Is(err, ledgerdomain.ErrCurrencyMismatch) {
		t.Fatalf("expected currency_mismatch, got %v", err)
	}
}

func TestApplyPaymentDeduplicatesExternalRef(t *testing.T) {
	f := setupLedgerTest(t)
	ctx := context.Background()
	f.addInvoice(t, 3000, f.now.AddDate(0, 0, -1))

	ref := "gw-8008"
	req := ledgerdomain.ApplyPaymentRequest{
		OrgID:       f.org.ID,
		AccountID:   f.account.ID,
		Amount:      3000,
		ExternalRef: &ref,
	}
	if _, err := f.svc.ApplyPayment(ctx, req); err != nil {
		t.Fatalf("apply payment: %v", err)
	}
	if _, err := f.svc.ApplyPayment(ctx, req); !errors.Is(err, ledgerdomain.ErrPaymentAlreadyApplied) {
		t.Fatalf("expected payment_already_applied, got %v", err)
	}

	balance, err := f.svc.Balance(ctx, f.account.ID, nil)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("duplicate must not double-post, balance %d", balance)
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	f := setupLedgerTest(t)
	ctx := context.Background()
	f.addInvoice(t, 3000, f.now.AddDate(0, 0, 10))

	if err := f.svc.Reconcile(ctx, f.account.ID); err != nil {
		t.Fatalf("reconcile on consistent ledger: %v", err)
	}

	// Tamper with an invoice total behind the ledger's back.
	if err := f.db.Exec(
		`UPDATE invoices SET total_amount = total_amount + 1`,
	).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := f.svc.Reconcile(ctx, f.account.ID); !errors.Is(err, ledgerdomain.ErrReconciliationMismatch) {
		t.Fatalf("expected reconciliation_mismatch, got %v", err)
	}
}
