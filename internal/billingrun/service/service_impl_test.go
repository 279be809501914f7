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
	accountrepository "github.com/wispware/tally/internal/account/repository"
	rundomain "github.com/wispware/tally/internal/billingrun/domain"
	chargeservice "github.com/wispware/tally/internal/charge/service"
	"github.com/wispware/tally/internal/clock"
	"github.com/wispware/tally/internal/config"
	dunningdomain "github.com/wispware/tally/internal/dunning/domain"
	"github.com/wispware/tally/internal/events"
	invoiceservice "github.com/wispware/tally/internal/invoice/service"
	ledgerservice "github.com/wispware/tally/internal/ledger/service"
	sequenceservice "github.com/wispware/tally/internal/sequence/service"
	"github.com/wispware/tally/internal/testutil"
)

type fixedPolicies struct{}

func (fixedPolicies) Resolve(context.Context, snowflake.ID, snowflake.ID) (dunningdomain.Policy, bool, error) {
	return dunningdomain.Policy{DueDays: 14}, true, nil
}

type runFixture struct {
	db       *gorm.DB
	svc      rundomain.Service
	genID    *snowflake.Node
	org      accountdomain.Organization
	usdPlan  accountdomain.Plan
	eurPlan  accountdomain.Plan
	accounts []accountdomain.BillingAccount
}

const accountCount = 100

// setupRunTest builds an org with accountCount subscribed accounts.
// Account index 46 (the 47th) is subscribed to a EUR plan and must
// fail its unit with a currency mismatch.
func setupRunTest(t *testing.T) *runFixture {
	t.Helper()
	db := testutil.OpenTestDB(t)
	genID := testutil.NewIDNode(t)
	log := zap.NewNop()
	clk := &clock.Fixed{Instant: time.Date(2026, time.August, 1, 6, 0, 0, 0, time.UTC)}
	cfg := config.Config{
		BillingRun: config.BillingRunConfig{Workers: 4, MaxRetries: 2, NumberingEpoch: "yearly"},
		Ledger:     config.LedgerConfig{AgingBucketDays: []int{30, 60, 90}},
	}

	org := accountdomain.Organization{ID: genID.Generate(), Name: "wisp-east", Currency: "USD"}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("create org: %v", err)
	}
	taxClass := accountdomain.TaxClass{
		ID: genID.Generate(), OrgID: org.ID, Code: "std", Name: "Standard", RateBps: 2000,
	}
	if err := db.Create(&taxClass).Error; err != nil {
		t.Fatalf("create tax class: %v", err)
	}
	usdPlan := accountdomain.Plan{
		ID: genID.Generate(), OrgID: org.ID, Code: "fiber-100", Name: "Fiber 100",
		PriceAmount: 5000, Currency: "USD", TaxClassID: taxClass.ID, IntervalMonths: 1,
	}
	if err := db.Create(&usdPlan).Error; err != nil {
		t.Fatalf("create plan: %v", err)
	}
	eurPlan := accountdomain.Plan{
		ID: genID.Generate(), OrgID: org.ID, Code: "fiber-100-eu", Name: "Fiber 100 EU",
		PriceAmount: 5000, Currency: "EUR", TaxClassID: taxClass.ID, IntervalMonths: 1,
	}
	if err := db.Create(&eurPlan).Error; err != nil {
		t.Fatalf("create plan: %v", err)
	}

	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	accounts := make([]accountdomain.BillingAccount, 0, accountCount)
	for i := 0; i < accountCount; i++ {
		account := accountdomain.BillingAccount{
			ID: genID.Generate(), OrgID: org.ID, Name: "subscriber", Currency: "USD",
			AnchorDay: 1, IsActive: true,
		}
		if err := db.Create(&account).Error; err != nil {
			t.Fatalf("create account: %v", err)
		}
		planID := usdPlan.ID
		if i == 46 {
			planID = eurPlan.ID
		}
		subscription := accountdomain.Subscription{
			ID: genID.Generate(), OrgID: org.ID, AccountID: account.ID, PlanID: planID,
			Status: accountdomain.SubscriptionStatusActive, StartAt: start,
			BillingPeriodMonths: 1, ProrationBehavior: accountdomain.ProrationBehaviorProrate,
		}
		if err := db.Create(&subscription).Error; err != nil {
			t.Fatalf("create subscription: %v", err)
		}
		accounts = append(accounts, account)
	}

	outbox := events.NewOutbox(db, genID)
	accountsRepo := accountrepository.NewRepository(db)
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: genID, Cfg: cfg, Outbox: outbox,
	})
	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB: db, Log: log, GenID: genID, Cfg: cfg,
		Accounts:  accountsRepo,
		Sequencer: sequenceservice.NewService(log),
		LedgerSvc: ledgerSvc,
		Policies:  fixedPolicies{},
		Outbox:    outbox,
	})
	svc := NewService(Params{
		DB: db, Log: log, GenID: genID, Cfg: cfg, Clk: clk,
		Accounts:   accountsRepo,
		Calculator: chargeservice.NewCalculator(),
		Invoices:   invoiceSvc,
		Ledger:     ledgerSvc,
		Outbox:     outbox,
	})

	return &runFixture{
		db: db, svc: svc, genID: genID,
		org: org, usdPlan: usdPlan, eurPlan: eurPlan, accounts: accounts,
	}
}

func (f *runFixture) request() rundomain.StartRunRequest {
	return rundomain.StartRunRequest{
		OrgID:       f.org.ID,
		PeriodStart: time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *runFixture) invoiceCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := f.db.Raw(
		`SELECT COUNT(1) FROM invoices WHERE document_type = 'INVOICE'`,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count invoices: %v", err)
	}
	return count
}

func TestStartIsolatesSingleAccountFailure(t *testing.T) {
	f := setupRunTest(t)

	run, err := f.svc.Start(context.Background(), f.request())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if run.Status != rundomain.RunStatusPartiallyFailed {
		t.Fatalf("expected PARTIALLY_FAILED, got %s", run.Status)
	}
	if run.AccountsTotal != accountCount || run.AccountsSucceeded != accountCount-1 || run.AccountsFailed != 1 {
		t.Fatalf("unexpected tally: %+v", run)
	}
	if got := f.invoiceCount(t); got != accountCount-1 {
		t.Fatalf("expected %d invoices, got %d", accountCount-1, got)
	}

	detail, err := f.svc.Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	failedAccount := f.accounts[46].ID
	for _, item := range detail.Items {
		if item.AccountID == failedAccount {
			if item.Status != rundomain.ItemStatusFailed {
				t.Fatalf("mismatched account must fail, got %s", item.Status)
			}
			if item.ErrorKind == nil || *item.ErrorKind != rundomain.ErrorKindCurrencyMismatch {
				t.Fatalf("expected currency_mismatch, got %v", item.ErrorKind)
			}
		} else if item.Status != rundomain.ItemStatusSucceeded {
			t.Fatalf("account %d: expected SUCCEEDED, got %s", item.AccountID, item.Status)
		}
	}
}

func TestStartRerunIsIdempotent(t *testing.T) {
	f := setupRunTest(t)
	ctx := context.Background()

	if _, err := f.svc.Start(ctx, f.request()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := f.invoiceCount(t)

	rerun, err := f.svc.Start(ctx, f.request())
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if got := f.invoiceCount(t); got != before {
		t.Fatalf("rerun minted invoices: before %d, after %d", before, got)
	}
	if rerun.AccountsSkipped != accountCount-1 {
		t.Fatalf("expected %d skipped, got %d", accountCount-1, rerun.AccountsSkipped)
	}
	// The currency mismatch fails again; the rerun is still partial.
	if rerun.Status != rundomain.RunStatusPartiallyFailed {
		t.Fatalf("expected PARTIALLY_FAILED, got %s", rerun.Status)
	}
}

func TestRetryFailedCoversOnlyFailedAccounts(t *testing.T) {
	f := setupRunTest(t)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, f.request())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Operator repoints the subscription at a correctly priced plan.
	if err := f.db.Exec(
		`UPDATE subscriptions SET plan_id = ? WHERE account_id = ?`,
		f.usdPlan.ID, f.accounts[46].ID,
	).Error; err != nil {
		t.Fatalf("fix subscription: %v", err)
	}

	retry, err := f.svc.RetryFailed(ctx, first.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Status != rundomain.RunStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", retry.Status)
	}
	if retry.AccountsTotal != 1 || retry.AccountsSucceeded != 1 {
		t.Fatalf("retry must cover exactly the failed account: %+v", retry)
	}
	if retry.RetryOfRunID == nil || *retry.RetryOfRunID != first.ID {
		t.Fatalf("retry must reference the original run")
	}
	if got := f.invoiceCount(t); got != accountCount {
		t.Fatalf("expected %d invoices after retry, got %d", accountCount, got)
	}

	if _, err := f.svc.RetryFailed(ctx, retry.ID); !errors.Is(err, rundomain.ErrNoFailedItems) {
		t.Fatalf("expected no_failed_items_to_retry, got %v", err)
	}
}

func TestPreviewWritesNothing(t *testing.T) {
	f := setupRunTest(t)

	preview, err := f.svc.Preview(context.Background(), f.request())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.AccountsSelected != accountCount {
		t.Fatalf("expected %d selected, got %d", accountCount, preview.AccountsSelected)
	}
	if got := f.invoiceCount(t); got != 0 {
		t.Fatalf("preview must not write invoices, got %d", got)
	}

	// 5000 at 20% tax.
	for _, account := range preview.Accounts {
		if account.Skipped {
			continue
		}
		if account.Total != 6000 {
			t.Fatalf("account %d: expected total 6000, got %d", account.AccountID, account.Total)
		}
	}
}

func TestPreviewMatchesExecutedTotals(t *testing.T) {
	f := setupRunTest(t)
	ctx := context.Background()

	preview, err := f.svc.Preview(ctx, f.request())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	previewTotals := make(map[snowflake.ID]int64)
	for _, account := range preview.Accounts {
		if !account.Skipped {
			previewTotals[account.AccountID] = account.Total
		}
	}

	if _, err := f.svc.Start(ctx, f.request()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var rows []struct {
		AccountID   snowflake.ID
		TotalAmount int64
	}
	if err := f.db.Raw(
		`SELECT account_id, total_amount FROM invoices WHERE document_type = 'INVOICE'`,
	).Scan(&rows).Error; err != nil {
		t.Fatalf("load invoices: %v", err)
	}
	for _, row := range rows {
		if want, ok := previewTotals[row.AccountID]; !ok || want != row.TotalAmount {
			t.Fatalf("account %d: preview %d != billed %d", row.AccountID, want, row.TotalAmount)
		}
	}
}

func TestStartRejectsInvalidPeriod(t *testing.T) {
	f := setupRunTest(t)
	req := f.request()
	req.PeriodEnd = req.PeriodStart

	if _, err := f.svc.Start(context.Background(), req); !errors.Is(err, rundomain.ErrInvalidPeriod) {
		t.Fatalf("expected invalid_billing_period, got %v", err)
	}
}

func TestRunsExecuteOnlyFromQueued(t *testing.T) {
	f := setupRunTest(t)
	ctx := context.Background()
	run := rundomain.BillingRun{
		ID:          f.genID.Generate(),
		OrgID:       f.org.ID,
		PeriodStart: f.request().PeriodStart,
		PeriodEnd:   f.request().PeriodEnd,
		Status:      rundomain.RunStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := f.db.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}

	svc := f.svc.(*Service)
	if err := svc.markRunning(ctx, &run); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	var status string
	if err := f.db.Raw(
		`SELECT status FROM billing_runs WHERE id = ?`, run.ID,
	).Scan(&status).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if status != string(rundomain.RunStatusRunning) {
		t.Fatalf("expected RUNNING, got %s", status)
	}

	if err := svc.markRunning(ctx, &run); !errors.Is(err, rundomain.ErrRunNotQueued) {
		t.Fatalf("expected billing_run_not_queued, got %v", err)
	}
}
