package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/wispware/tally/internal/account/domain"
	"github.com/wispware/tally/internal/cache"
	"github.com/wispware/tally/internal/clock"
	dunningdomain "github.com/wispware/tally/internal/dunning/domain"
	"github.com/wispware/tally/internal/events"
	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
	"github.com/wispware/tally/internal/observability/metrics"
	"github.com/wispware/tally/pkg/db"
)

const policyCacheTTL = 5 * time.Minute

var stateRank = map[dunningdomain.State]int{
	dunningdomain.StateCurrent:     0,
	dunningdomain.StateGrace:       1,
	dunningdomain.StateBlocked:     2,
	dunningdomain.StateDeactivated: 3,
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clk      clock.Clock
	Accounts accountdomain.Repository
	Ledger   ledgerdomain.Service
	Outbox   *events.Outbox
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clk      clock.Clock
	accounts accountdomain.Repository
	ledger   ledgerdomain.Service
	outbox   *events.Outbox

	policyCache *cache.TTL[snowflake.ID, dunningdomain.Policy]
}

func NewService(p Params) dunningdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("dunning.service"),
		clk:         p.Clk,
		accounts:    p.Accounts,
		ledger:      p.Ledger,
		outbox:      p.Outbox,
		policyCache: cache.NewTTL[snowflake.ID, dunningdomain.Policy](),
	}
}

// Resolve returns the effective policy: the account override when set,
// otherwise the organization default. Results are cached per account.
func (s *Service) Resolve(ctx context.Context, orgID, accountID snowflake.ID) (dunningdomain.Policy, bool, error) {
	if policy, ok := s.policyCache.Get(accountID); ok {
		return policy, true, nil
	}

	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, accountdomain.ErrAccountNotFound) {
			return dunningdomain.Policy{}, false, dunningdomain.ErrAccountNotFound
		}
		return dunningdomain.Policy{}, false, err
	}
	if orgID == 0 {
		orgID = account.OrgID
	}

	var policies []dunningdomain.Policy
	if account.DunningPolicyID != nil {
		err = s.db.WithContext(ctx).
			Where("id = ? AND org_id = ?", *account.DunningPolicyID, orgID).
			Limit(1).
			Find(&policies).Error
	} else {
		err = s.db.WithContext(ctx).
			Where("org_id = ? AND is_default = ?", orgID, true).
			Order("id").
			Limit(1).
			Find(&policies).Error
	}
	if err != nil {
		return dunningdomain.Policy{}, false, err
	}
	if len(policies) == 0 {
		return dunningdomain.Policy{}, false, nil
	}

	s.policyCache.Set(accountID, policies[0], policyCacheTTL)
	return policies[0], true, nil
}

// InvalidatePolicy drops the cached policy for an account, forcing the
// next resolution to hit the database.
func (s *Service) InvalidatePolicy(accountID snowflake.ID) {
	s.policyCache.Delete(accountID)
}

// Recompute derives the account's dunning state from its ledger balance
// and the effective policy, applying at most one forward transition.
// Callers invoke it after every ledger mutation; Sweep covers pure
// time-based escalation.
func (s *Service) Recompute(ctx context.Context, accountID snowflake.ID) (*dunningdomain.Transition, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, accountdomain.ErrAccountNotFound) {
			return nil, dunningdomain.ErrAccountNotFound
		}
		return nil, err
	}

	policy, found, err := s.Resolve(ctx, account.OrgID, accountID)
	if err != nil {
		return nil, err
	}
	policyUsable := found && policy.Valid()
	if !policyUsable {
		// Fail open: a missing or misconfigured policy must never
		// escalate anyone. Clearing transitions still go through.
		s.log.Warn("dunning policy missing or invalid, escalation suspended",
			zap.String("account_id", accountID.String()),
			zap.String("org_id", account.OrgID.String()),
			zap.Bool("found", found),
		)
	}

	now := s.clk.Now()
	balance, err := s.ledger.Balance(ctx, accountID, nil)
	if err != nil {
		return nil, err
	}
	oldestDue, overdue, err := s.oldestOverdueDueDate(ctx, accountID, now)
	if err != nil {
		return nil, err
	}

	threshold := int64(0)
	if policyUsable {
		threshold = policy.MinBalanceThreshold
	}

	var transition *dunningdomain.Transition
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockState(ctx, tx, account.OrgID, accountID, now)
		if err != nil {
			return err
		}

		if !overdue || balance <= threshold {
			if current.State == dunningdomain.StateCurrent {
				return s.touchState(ctx, tx, accountID, nil, now)
			}
			applied, err := s.transitionState(ctx, tx, accountID, current.State, dunningdomain.StateCurrent, nil, now)
			if err != nil || !applied {
				return err
			}
			if current.State == dunningdomain.StateDeactivated {
				if err := reactivateAccountTx(ctx, tx, accountID, now); err != nil {
					return err
				}
			}
			transition = &dunningdomain.Transition{
				AccountID: accountID,
				From:      current.State,
				To:        dunningdomain.StateCurrent,
				Reason:    "balance_cleared",
				At:        now,
			}
			return s.publishIntent(ctx, tx, account.OrgID, *transition)
		}

		// Escalation without a usable policy is suspended entirely;
		// only the clearing transition above ever applies.
		if !policyUsable {
			return s.touchState(ctx, tx, accountID, nil, now)
		}

		target, reason, nextAt := escalationTarget(policy, current, oldestDue, now)
		if target == current.State || stateRank[target] < stateRank[current.State] {
			return s.touchState(ctx, tx, accountID, nextAt, now)
		}

		applied, err := s.transitionState(ctx, tx, accountID, current.State, target, nextAt, now)
		if err != nil || !applied {
			return err
		}
		if target == dunningdomain.StateDeactivated {
			if err := deactivateAccountTx(ctx, tx, accountID, now); err != nil {
				return err
			}
		}
		transition = &dunningdomain.Transition{
			AccountID: accountID,
			From:      current.State,
			To:        target,
			Reason:    reason,
			At:        now,
		}
		return s.publishIntent(ctx, tx, account.OrgID, *transition)
	})
	if err != nil {
		return nil, err
	}

	if transition != nil {
		metrics.Billing().ObserveDunningTransition(string(transition.To))
		s.log.Info("dunning transition",
			zap.String("account_id", accountID.String()),
			zap.String("from", string(transition.From)),
			zap.String("to", string(transition.To)),
			zap.String("reason", transition.Reason),
		)
	}
	return transition, nil
}

// Sweep evaluates accounts that may owe a time-based transition:
// anything already escalated plus anything holding an overdue unpaid
// invoice. Returns the number of accounts evaluated.
func (s *Service) Sweep(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clk.Now()

	var accountIDs []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT account_id FROM (
		    SELECT account_id FROM account_dunning_states WHERE state IN (?, ?)
		    UNION
		    SELECT account_id FROM invoices
		    WHERE document_type = 'INVOICE' AND status IN (?, ?) AND due_date <= ?
		 ) candidates
		 ORDER BY account_id
		 LIMIT ?`,
		dunningdomain.StateGrace,
		dunningdomain.StateBlocked,
		"ISSUED",
		"PARTIALLY_PAID",
		now,
		limit,
	).Scan(&accountIDs).Error
	if err != nil {
		return 0, err
	}

	evaluated := 0
	for _, accountID := range accountIDs {
		if err := ctx.Err(); err != nil {
			return evaluated, err
		}
		if _, err := s.Recompute(ctx, accountID); err != nil {
			s.log.Error("dunning recompute failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
			continue
		}
		evaluated++
	}
	return evaluated, nil
}

func (s *Service) GetState(ctx context.Context, accountID snowflake.ID) (dunningdomain.AccountState, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, accountdomain.ErrAccountNotFound) {
			return dunningdomain.AccountState{}, dunningdomain.ErrAccountNotFound
		}
		return dunningdomain.AccountState{}, err
	}

	var states []dunningdomain.AccountState
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Limit(1).
		Find(&states).Error; err != nil {
		return dunningdomain.AccountState{}, err
	}
	if len(states) == 0 {
		// Never-evaluated accounts are current by definition.
		return dunningdomain.AccountState{
			AccountID: accountID,
			OrgID:     account.OrgID,
			State:     dunningdomain.StateCurrent,
		}, nil
	}
	return states[0], nil
}

// Reinstate manually returns a blocked or deactivated account to
// current, reactivating the subscriber record.
func (s *Service) Reinstate(ctx context.Context, accountID snowflake.ID, reason string) error {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, accountdomain.ErrAccountNotFound) {
			return dunningdomain.ErrAccountNotFound
		}
		return err
	}
	now := s.clk.Now()
	if reason == "" {
		reason = "manual_reinstatement"
	}

	var transition *dunningdomain.Transition
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockState(ctx, tx, account.OrgID, accountID, now)
		if err != nil {
			return err
		}
		if current.State == dunningdomain.StateCurrent {
			return nil
		}

		applied, err := s.transitionState(ctx, tx, accountID, current.State, dunningdomain.StateCurrent, nil, now)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		if err := reactivateAccountTx(ctx, tx, accountID, now); err != nil {
			return err
		}
		transition = &dunningdomain.Transition{
			AccountID: accountID,
			From:      current.State,
			To:        dunningdomain.StateCurrent,
			Reason:    reason,
			At:        now,
		}
		return s.publishIntent(ctx, tx, account.OrgID, *transition)
	})
	if err != nil {
		return err
	}
	if transition != nil {
		metrics.Billing().ObserveDunningTransition(string(dunningdomain.StateCurrent))
	}
	return nil
}

// escalationTarget picks the next punitive state for an overdue
// account. Deactivation is timed from when the account entered
// BLOCKED, so it is only ever reachable from BLOCKED.
func escalationTarget(
	policy dunningdomain.Policy,
	current dunningdomain.AccountState,
	oldestDue, now time.Time,
) (dunningdomain.State, string, *time.Time) {
	switch current.State {
	case dunningdomain.StateDeactivated:
		return current.State, "", nil
	case dunningdomain.StateBlocked:
		blockedDays := int(now.Sub(current.StateEnteredAt).Hours() / 24)
		if blockedDays >= policy.DeactivationPeriodDays {
			return dunningdomain.StateDeactivated, fmt.Sprintf("blocked_%d_days", blockedDays), nil
		}
		at := current.StateEnteredAt.AddDate(0, 0, policy.DeactivationPeriodDays)
		return current.State, "", &at
	default:
		overdueDays := int(now.Sub(oldestDue).Hours() / 24)
		if overdueDays >= policy.BlockingPeriodDays {
			at := now.AddDate(0, 0, policy.DeactivationPeriodDays)
			return dunningdomain.StateBlocked, fmt.Sprintf("overdue_%d_days", overdueDays), &at
		}
		at := oldestDue.AddDate(0, 0, policy.BlockingPeriodDays)
		return dunningdomain.StateGrace, fmt.Sprintf("overdue_%d_days", overdueDays), &at
	}
}

// oldestOverdueDueDate finds the earliest due date among non-void
// invoices still carrying an outstanding amount at the given instant.
func (s *Service) oldestOverdueDueDate(ctx context.Context, accountID snowflake.ID, now time.Time) (time.Time, bool, error) {
	var rows []struct {
		DueDate     time.Time
		Outstanding int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT i.due_date AS due_date,
		        i.total_amount - COALESCE((
		            SELECT SUM(l.amount) FROM ledger_entries l
		            WHERE l.invoice_id = i.id AND l.direction = 'credit'
		        ), 0) AS outstanding
		 FROM invoices i
		 WHERE i.account_id = ?
		   AND i.document_type = 'INVOICE'
		   AND i.status NOT IN ('VOID', 'PAID')
		   AND i.due_date <= ?
		 ORDER BY i.due_date`,
		accountID,
		now,
	).Scan(&rows).Error
	if err != nil {
		return time.Time{}, false, err
	}
	for _, row := range rows {
		if row.Outstanding > 0 {
			return row.DueDate, true, nil
		}
	}
	return time.Time{}, false, nil
}

// lockState loads the account's state row, creating the initial
// CURRENT row on first evaluation, and locks it for the transaction.
func (s *Service) lockState(ctx context.Context, tx *gorm.DB, orgID, accountID snowflake.ID, now time.Time) (dunningdomain.AccountState, error) {
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO account_dunning_states (account_id, org_id, state, state_entered_at, last_evaluated_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID,
		orgID,
		dunningdomain.StateCurrent,
		now,
		now,
		now,
	).Error; err != nil {
		return dunningdomain.AccountState{}, err
	}

	var state dunningdomain.AccountState
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM account_dunning_states WHERE account_id = ?`+db.ForUpdate(tx),
		accountID,
	).Scan(&state).Error
	if err != nil {
		return dunningdomain.AccountState{}, err
	}
	if state.AccountID == 0 {
		return dunningdomain.AccountState{}, dunningdomain.ErrStateNotFound
	}
	return state, nil
}

// transitionState applies the guarded state change. The WHERE clause on
// the previous state makes each transition fire exactly once even under
// concurrent recomputes.
func (s *Service) transitionState(
	ctx context.Context,
	tx *gorm.DB,
	accountID snowflake.ID,
	from, to dunningdomain.State,
	nextAt *time.Time,
	now time.Time,
) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE account_dunning_states
		 SET state = ?, state_entered_at = ?, next_transition_at = ?, last_evaluated_at = ?, updated_at = ?
		 WHERE account_id = ? AND state = ?`,
		to,
		now,
		nextAt,
		now,
		now,
		accountID,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) touchState(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, nextAt *time.Time, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE account_dunning_states
		 SET next_transition_at = ?, last_evaluated_at = ?, updated_at = ?
		 WHERE account_id = ?`,
		nextAt,
		now,
		now,
		accountID,
	).Error
}

func (s *Service) publishIntent(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, transition dunningdomain.Transition) error {
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID: orgID,
		Type:  events.EventEnforcementIntent,
		DedupeKey: fmt.Sprintf("enforcement:%s:%s:%d",
			transition.AccountID, transition.To, transition.At.Unix()),
		Payload: events.EnforcementIntentPayload{
			AccountID: transition.AccountID.String(),
			FromState: string(transition.From),
			ToState:   string(transition.To),
			Reason:    transition.Reason,
		}.ToMap(),
	})
}

func deactivateAccountTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET is_active = FALSE, deactivated_at = COALESCE(deactivated_at, ?), updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		accountID,
	).Error
}

func reactivateAccountTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET is_active = TRUE, deactivated_at = NULL, updated_at = ?
		 WHERE id = ?`,
		at,
		accountID,
	).Error
}
