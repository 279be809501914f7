package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	accountdomain "github.com/wispware/tally/internal/account/domain"
	rundomain "github.com/wispware/tally/internal/billingrun/domain"
	chargedomain "github.com/wispware/tally/internal/charge/domain"
	"github.com/wispware/tally/internal/clock"
	"github.com/wispware/tally/internal/config"
	"github.com/wispware/tally/internal/events"
	invoicedomain "github.com/wispware/tally/internal/invoice/domain"
	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
	"github.com/wispware/tally/internal/observability/metrics"
	sequencedomain "github.com/wispware/tally/internal/sequence/domain"
	"github.com/wispware/tally/pkg/repository"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Cfg        config.Config
	Clk        clock.Clock
	Accounts   accountdomain.Repository
	Calculator chargedomain.Calculator
	Invoices   invoicedomain.Service
	Ledger     ledgerdomain.Service
	Outbox     *events.Outbox
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clk        clock.Clock
	accounts   accountdomain.Repository
	calculator chargedomain.Calculator
	invoices   invoicedomain.Service
	ledger     ledgerdomain.Service
	outbox     *events.Outbox

	workers    int
	maxRetries int

	runRepo  repository.Repository[rundomain.BillingRun]
	itemRepo repository.Repository[rundomain.BillingRunItem]
}

func NewService(p Params) rundomain.Service {
	workers := p.Cfg.BillingRun.Workers
	if workers <= 0 {
		workers = 8
	}
	maxRetries := p.Cfg.BillingRun.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billingrun.service"),
		genID:      p.GenID,
		clk:        p.Clk,
		accounts:   p.Accounts,
		calculator: p.Calculator,
		invoices:   p.Invoices,
		ledger:     p.Ledger,
		outbox:     p.Outbox,
		workers:    workers,
		maxRetries: maxRetries,
		runRepo:    repository.ProvideStore[rundomain.BillingRun](p.DB),
		itemRepo:   repository.ProvideStore[rundomain.BillingRunItem](p.DB),
	}
}

// accountOutcome is what one processed account contributes to the run
// tally.
type accountOutcome struct {
	status      rundomain.ItemStatus
	errorKind   string
	errorDetail string
	invoiceID   *snowflake.ID
}

// Start selects every due account for the period, bills each one
// through a bounded worker pool and returns the finished run. One
// failing account never aborts the others; a ledger invariant
// violation aborts everything.
func (s *Service) Start(ctx context.Context, req rundomain.StartRunRequest) (rundomain.BillingRun, error) {
	if err := validateRequest(req); err != nil {
		return rundomain.BillingRun{}, err
	}

	accounts, err := s.accounts.ListAccountsWithAnchorInPeriod(ctx, req.OrgID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return rundomain.BillingRun{}, err
	}

	run := rundomain.BillingRun{
		ID:            s.genID.Generate(),
		OrgID:         req.OrgID,
		PeriodStart:   req.PeriodStart,
		PeriodEnd:     req.PeriodEnd,
		Status:        rundomain.RunStatusQueued,
		AccountsTotal: len(accounts),
		CreatedAt:     s.clk.Now(),
	}
	if err := s.runRepo.Create(ctx, &run); err != nil {
		return rundomain.BillingRun{}, err
	}

	return s.execute(ctx, run, accounts)
}

// Preview walks the exact calculation path of a run without persisting
// anything: same selection, same calculator, same totals.
func (s *Service) Preview(ctx context.Context, req rundomain.StartRunRequest) (rundomain.PreviewResult, error) {
	if err := validateRequest(req); err != nil {
		return rundomain.PreviewResult{}, err
	}

	accounts, err := s.accounts.ListAccountsWithAnchorInPeriod(ctx, req.OrgID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return rundomain.PreviewResult{}, err
	}

	period := chargedomain.Period{Start: req.PeriodStart, End: req.PeriodEnd}
	result := rundomain.PreviewResult{AccountsSelected: len(accounts)}
	for i := range accounts {
		account := accounts[i]
		preview := rundomain.AccountPreview{AccountID: account.ID}

		billed, err := s.hasExistingInvoice(ctx, account.ID, period)
		if err != nil {
			return rundomain.PreviewResult{}, err
		}
		if billed {
			preview.Skipped = true
			preview.SkipReason = "already_billed"
			result.Accounts = append(result.Accounts, preview)
			continue
		}

		lines, outcome := s.buildLineItems(ctx, &account, period)
		if outcome != nil {
			preview.Skipped = true
			preview.SkipReason = outcome.errorKind
			result.Accounts = append(result.Accounts, preview)
			continue
		}
		if len(lines) == 0 {
			preview.Skipped = true
			preview.SkipReason = "no_charges"
			result.Accounts = append(result.Accounts, preview)
			continue
		}

		totals, err := s.invoices.ComputeTotals(ctx, account.OrgID, lines)
		if err != nil {
			preview.Skipped = true
			preview.SkipReason = rundomain.ErrorKindCalculation
			result.Accounts = append(result.Accounts, preview)
			continue
		}
		preview.Lines = totals.Lines
		preview.Subtotal = totals.Subtotal
		preview.Tax = totals.Tax
		preview.Total = totals.Total
		result.Accounts = append(result.Accounts, preview)
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, runID snowflake.ID) (rundomain.RunDetail, error) {
	run, err := s.runRepo.FindByID(ctx, runID)
	if err != nil {
		return rundomain.RunDetail{}, err
	}
	if run == nil {
		return rundomain.RunDetail{}, rundomain.ErrRunNotFound
	}
	items, err := s.itemRepo.Find(ctx, "run_id = ?", runID)
	if err != nil {
		return rundomain.RunDetail{}, err
	}
	return rundomain.RunDetail{Run: *run, Items: items}, nil
}

// RetryFailed starts a new run covering only the accounts that failed
// in the given run. Succeeded and skipped accounts are protected by
// assembly idempotency anyway, but are not reprocessed at all.
func (s *Service) RetryFailed(ctx context.Context, runID snowflake.ID) (rundomain.BillingRun, error) {
	previous, err := s.runRepo.FindByID(ctx, runID)
	if err != nil {
		return rundomain.BillingRun{}, err
	}
	if previous == nil {
		return rundomain.BillingRun{}, rundomain.ErrRunNotFound
	}

	failed, err := s.itemRepo.Find(ctx, "run_id = ? AND status = ?", runID, rundomain.ItemStatusFailed)
	if err != nil {
		return rundomain.BillingRun{}, err
	}
	if len(failed) == 0 {
		return rundomain.BillingRun{}, rundomain.ErrNoFailedItems
	}

	accounts := make([]accountdomain.BillingAccount, 0, len(failed))
	for _, item := range failed {
		account, err := s.accounts.GetAccount(ctx, item.AccountID)
		if err != nil {
			return rundomain.BillingRun{}, err
		}
		accounts = append(accounts, *account)
	}

	retryOf := previous.ID
	run := rundomain.BillingRun{
		ID:            s.genID.Generate(),
		OrgID:         previous.OrgID,
		PeriodStart:   previous.PeriodStart,
		PeriodEnd:     previous.PeriodEnd,
		Status:        rundomain.RunStatusQueued,
		AccountsTotal: len(accounts),
		RetryOfRunID:  &retryOf,
		CreatedAt:     s.clk.Now(),
	}
	if err := s.runRepo.Create(ctx, &run); err != nil {
		return rundomain.BillingRun{}, err
	}
	return s.execute(ctx, run, accounts)
}

// markRunning flips a queued run to RUNNING. The guard on the previous
// status means a run executes at most once.
func (s *Service) markRunning(ctx context.Context, run *rundomain.BillingRun) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE billing_runs SET status = ? WHERE id = ? AND status = ?`,
		rundomain.RunStatusRunning,
		run.ID,
		rundomain.RunStatusQueued,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return rundomain.ErrRunNotQueued
	}
	run.Status = rundomain.RunStatusRunning
	return nil
}

func (s *Service) execute(ctx context.Context, run rundomain.BillingRun, accounts []accountdomain.BillingAccount) (rundomain.BillingRun, error) {
	started := time.Now()
	if err := s.markRunning(ctx, &run); err != nil {
		return rundomain.BillingRun{}, err
	}
	period := chargedomain.Period{Start: run.PeriodStart, End: run.PeriodEnd}

	for i := range accounts {
		item := rundomain.BillingRunItem{
			ID:        s.genID.Generate(),
			RunID:     run.ID,
			OrgID:     run.OrgID,
			AccountID: accounts[i].ID,
			Status:    rundomain.ItemStatusPending,
			CreatedAt: s.clk.Now(),
			UpdatedAt: s.clk.Now(),
		}
		if err := s.itemRepo.Create(ctx, &item); err != nil {
			return rundomain.BillingRun{}, err
		}
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)
	for i := range accounts {
		account := accounts[i]
		group.Go(func() error {
			// Cancellation lands between accounts, never inside one:
			// each unit commits or rolls back whole.
			if err := groupCtx.Err(); err != nil {
				return err
			}

			outcome := s.processAccount(groupCtx, &account, period)
			if err := s.recordItem(ctx, run.ID, account.ID, outcome); err != nil {
				return err
			}
			metrics.Billing().ObserveRunAccount(strings.ToLower(string(outcome.status)))

			mu.Lock()
			switch outcome.status {
			case rundomain.ItemStatusSucceeded:
				run.AccountsSucceeded++
			case rundomain.ItemStatusSkipped:
				run.AccountsSkipped++
			default:
				run.AccountsFailed++
			}
			mu.Unlock()

			// A reconciliation mismatch is a correctness bug; halt the
			// whole run rather than mint more invoices on top of it.
			if outcome.status == rundomain.ItemStatusSucceeded {
				if err := s.ledger.Reconcile(groupCtx, account.ID); err != nil {
					return fmt.Errorf("%w: account %s: %v",
						rundomain.ErrInvariantViolation, account.ID, err)
				}
			}
			return nil
		})
	}
	groupErr := group.Wait()

	switch {
	case groupErr != nil:
		run.Status = rundomain.RunStatusFailed
	case run.AccountsFailed == 0:
		run.Status = rundomain.RunStatusCompleted
	case run.AccountsSucceeded == 0 && run.AccountsSkipped == 0:
		run.Status = rundomain.RunStatusFailed
	default:
		run.Status = rundomain.RunStatusPartiallyFailed
	}
	completedAt := s.clk.Now()
	run.CompletedAt = &completedAt

	if err := s.db.Exec(
		`UPDATE billing_runs
		 SET status = ?, accounts_succeeded = ?, accounts_skipped = ?, accounts_failed = ?, completed_at = ?
		 WHERE id = ?`,
		run.Status,
		run.AccountsSucceeded,
		run.AccountsSkipped,
		run.AccountsFailed,
		completedAt,
		run.ID,
	).Error; err != nil {
		return rundomain.BillingRun{}, err
	}

	if err := s.outbox.Publish(context.WithoutCancel(ctx), events.Event{
		OrgID:     run.OrgID,
		Type:      events.EventBillingRunFinished,
		DedupeKey: "run:" + run.ID.String(),
		Payload: map[string]any{
			"run_id":             run.ID.String(),
			"status":             string(run.Status),
			"accounts_total":     run.AccountsTotal,
			"accounts_succeeded": run.AccountsSucceeded,
			"accounts_skipped":   run.AccountsSkipped,
			"accounts_failed":    run.AccountsFailed,
		},
	}); err != nil {
		s.log.Error("publish run finished event failed", zap.Error(err))
	}

	metrics.Billing().ObserveRunCompleted(strings.ToLower(string(run.Status)), time.Since(started))
	s.log.Info("billing run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(run.Status)),
		zap.Int("accounts_total", run.AccountsTotal),
		zap.Int("accounts_succeeded", run.AccountsSucceeded),
		zap.Int("accounts_skipped", run.AccountsSkipped),
		zap.Int("accounts_failed", run.AccountsFailed),
		zap.Duration("elapsed", time.Since(started)),
	)

	if groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		return run, groupErr
	}
	return run, nil
}

// processAccount is one unit of work: calculate, assemble, report. It
// retries contention-class failures with backoff and never returns an
// error; every failure mode lands in the outcome.
func (s *Service) processAccount(ctx context.Context, account *accountdomain.BillingAccount, period chargedomain.Period) accountOutcome {
	lines, failure := s.buildLineItems(ctx, account, period)
	if failure != nil {
		return *failure
	}
	if len(lines) == 0 {
		return accountOutcome{status: rundomain.ItemStatusSkipped, errorKind: "no_charges"}
	}

	var result invoicedomain.AssembleResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = s.invoices.Assemble(ctx, invoicedomain.AssembleRequest{
			OrgID:        account.OrgID,
			AccountID:    account.ID,
			DocumentType: sequencedomain.DocumentTypeInvoice,
			Period:       period,
			LineItems:    lines,
			IssueDate:    s.clk.Now(),
		})
		if err == nil || attempt >= s.maxRetries || !isContention(err) {
			break
		}
		select {
		case <-ctx.Done():
			return accountOutcome{
				status:      rundomain.ItemStatusFailed,
				errorKind:   rundomain.ErrorKindContention,
				errorDetail: ctx.Err().Error(),
			}
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	if err != nil {
		kind := rundomain.ErrorKindAssembly
		if isContention(err) {
			kind = rundomain.ErrorKindContention
		}
		return accountOutcome{
			status:      rundomain.ItemStatusFailed,
			errorKind:   kind,
			errorDetail: err.Error(),
		}
	}

	if result.AlreadyExisted {
		invoiceID := result.Invoice.ID
		return accountOutcome{
			status:    rundomain.ItemStatusSkipped,
			errorKind: "already_billed",
			invoiceID: &invoiceID,
		}
	}
	invoiceID := result.Invoice.ID
	return accountOutcome{status: rundomain.ItemStatusSucceeded, invoiceID: &invoiceID}
}

// buildLineItems loads subscriptions and queued charges and runs the
// calculator. A non-nil outcome is a terminal per-account failure.
func (s *Service) buildLineItems(ctx context.Context, account *accountdomain.BillingAccount, period chargedomain.Period) ([]chargedomain.LineItem, *accountOutcome) {
	subscriptions, err := s.accounts.ListActiveSubscriptions(ctx, account.ID)
	if err != nil {
		return nil, &accountOutcome{
			status:      rundomain.ItemStatusFailed,
			errorKind:   rundomain.ErrorKindCalculation,
			errorDetail: err.Error(),
		}
	}
	pending, err := s.accounts.ListUnbilledCharges(ctx, account.ID, period.End)
	if err != nil {
		return nil, &accountOutcome{
			status:      rundomain.ItemStatusFailed,
			errorKind:   rundomain.ErrorKindCalculation,
			errorDetail: err.Error(),
		}
	}

	var lines []chargedomain.LineItem
	for i := range subscriptions {
		subscription := subscriptions[i]
		plan, err := s.accounts.GetPlan(ctx, subscription.PlanID)
		if err != nil {
			return nil, &accountOutcome{
				status:      rundomain.ItemStatusFailed,
				errorKind:   rundomain.ErrorKindCalculation,
				errorDetail: err.Error(),
			}
		}
		if plan.Currency != account.Currency {
			return nil, &accountOutcome{
				status:    rundomain.ItemStatusFailed,
				errorKind: rundomain.ErrorKindCurrencyMismatch,
				errorDetail: fmt.Sprintf("plan %s priced in %s, account in %s",
					plan.Code, plan.Currency, account.Currency),
			}
		}

		calculated, err := s.calculator.Calculate(chargedomain.CalculateInput{
			Subscription: subscription,
			Plan:         *plan,
			Period:       period,
		})
		if err != nil {
			return nil, &accountOutcome{
				status:      rundomain.ItemStatusFailed,
				errorKind:   rundomain.ErrorKindCalculation,
				errorDetail: err.Error(),
			}
		}
		lines = append(lines, calculated...)
	}

	if len(pending) > 0 {
		calculated, err := s.calculator.Calculate(chargedomain.CalculateInput{
			Period:         period,
			PendingCharges: pending,
		})
		if err != nil {
			return nil, &accountOutcome{
				status:      rundomain.ItemStatusFailed,
				errorKind:   rundomain.ErrorKindCalculation,
				errorDetail: err.Error(),
			}
		}
		lines = append(lines, calculated...)
	}
	return lines, nil
}

func (s *Service) hasExistingInvoice(ctx context.Context, accountID snowflake.ID, period chargedomain.Period) (bool, error) {
	var existing int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM invoices
		 WHERE account_id = ? AND period_start = ? AND period_end = ?
		   AND document_type = 'INVOICE' AND status != 'VOID'`,
		accountID,
		period.Start,
		period.End,
	).Scan(&existing).Error
	if err != nil {
		return false, err
	}
	return existing > 0, nil
}

func (s *Service) recordItem(ctx context.Context, runID, accountID snowflake.ID, outcome accountOutcome) error {
	var errorKind, errorDetail *string
	if outcome.errorKind != "" {
		errorKind = &outcome.errorKind
	}
	if outcome.errorDetail != "" {
		errorDetail = &outcome.errorDetail
	}
	return s.db.WithContext(ctx).Exec(
		`UPDATE billing_run_items
		 SET status = ?, error_kind = ?, error_detail = ?, invoice_id = ?, updated_at = ?
		 WHERE run_id = ? AND account_id = ?`,
		outcome.status,
		errorKind,
		errorDetail,
		outcome.invoiceID,
		s.clk.Now(),
		runID,
		accountID,
	).Error
}

func validateRequest(req rundomain.StartRunRequest) error {
	if req.OrgID == 0 {
		return rundomain.ErrInvalidPeriod
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return rundomain.ErrInvalidPeriod
	}
	return nil
}

// isContention matches lock and serialization failures that are safe
// to retry.
func isContention(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "deadlock") ||
		strings.Contains(message, "could not serialize") ||
		strings.Contains(message, "lock timeout")
}
