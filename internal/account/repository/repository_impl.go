package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	accountdomain "github.com/wispware/tally/internal/account/domain"
	"github.com/wispware/tally/pkg/repository"
)

type RepositoryImpl struct {
	db           *gorm.DB
	accountRepo  repository.Repository[accountdomain.BillingAccount]
	planRepo     repository.Repository[accountdomain.Plan]
	taxClassRepo repository.Repository[accountdomain.TaxClass]
}

func NewRepository(db *gorm.DB) accountdomain.Repository {
	return &RepositoryImpl{
		db:           db,
		accountRepo:  repository.ProvideStore[accountdomain.BillingAccount](db),
		planRepo:     repository.ProvideStore[accountdomain.Plan](db),
		taxClassRepo: repository.ProvideStore[accountdomain.TaxClass](db),
	}
}

func (r *RepositoryImpl) GetAccount(ctx context.Context, id snowflake.ID) (*accountdomain.BillingAccount, error) {
	account, err := r.accountRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

// ListAccountsWithAnchorInPeriod returns active accounts holding at
// least one subscription overlapping [periodStart, periodEnd) whose
// billing anchor day falls inside the period.
func (r *RepositoryImpl) ListAccountsWithAnchorInPeriod(
	ctx context.Context,
	orgID snowflake.ID,
	periodStart, periodEnd time.Time,
) ([]accountdomain.BillingAccount, error) {
	var accounts []accountdomain.BillingAccount
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT a.*
		 FROM billing_accounts a
		 JOIN subscriptions s ON s.account_id = a.id
		 WHERE a.org_id = ?
		   AND a.is_active = TRUE
		   AND s.status = ?
		   AND s.start_at < ?
		   AND (s.end_at IS NULL OR s.end_at > ?)
		 ORDER BY a.id`,
		orgID,
		accountdomain.SubscriptionStatusActive,
		periodEnd,
		periodStart,
	).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}

	selected := accounts[:0]
	for _, account := range accounts {
		if anchorInPeriod(account.AnchorDay, periodStart, periodEnd) {
			selected = append(selected, account)
		}
	}
	return selected, nil
}

func (r *RepositoryImpl) ListActiveSubscriptions(ctx context.Context, accountID snowflake.ID) ([]accountdomain.Subscription, error) {
	var subscriptions []accountdomain.Subscription
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, accountdomain.SubscriptionStatusActive).
		Order("id").
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *RepositoryImpl) GetPlan(ctx context.Context, id snowflake.ID) (*accountdomain.Plan, error) {
	plan, err := r.planRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, accountdomain.ErrPlanNotFound
	}
	return plan, nil
}

func (r *RepositoryImpl) GetTaxClass(ctx context.Context, id snowflake.ID) (*accountdomain.TaxClass, error) {
	taxClass, err := r.taxClassRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if taxClass == nil {
		return nil, accountdomain.ErrTaxClassNotFound
	}
	return taxClass, nil
}

func (r *RepositoryImpl) ListUnbilledCharges(ctx context.Context, accountID snowflake.ID, before time.Time) ([]accountdomain.PendingCharge, error) {
	var charges []accountdomain.PendingCharge
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND billed_invoice_id IS NULL AND scheduled_for < ?", accountID, before).
		Order("id").
		Find(&charges).Error
	if err != nil {
		return nil, err
	}
	return charges, nil
}

func (r *RepositoryImpl) DeactivateAccount(ctx context.Context, id snowflake.ID, at time.Time) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET is_active = FALSE, deactivated_at = COALESCE(deactivated_at, ?), updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.ErrAccountNotFound
	}
	return nil
}

func (r *RepositoryImpl) ReactivateAccount(ctx context.Context, id snowflake.ID, at time.Time) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET is_active = TRUE, deactivated_at = NULL, updated_at = ?
		 WHERE id = ?`,
		at,
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.ErrAccountNotFound
	}
	return nil
}

// anchorInPeriod reports whether the account's monthly anchor day has
// an occurrence inside [periodStart, periodEnd). Anchor days past the
// end of a month clamp to that month's last day.
func anchorInPeriod(anchorDay int, periodStart, periodEnd time.Time) bool {
	if anchorDay < 1 {
		anchorDay = 1
	}
	cursor := time.Date(periodStart.Year(), periodStart.Month(), 1, 0, 0, 0, 0, periodStart.Location())
	for !cursor.After(periodEnd) {
		day := anchorDay
		if last := daysInMonth(cursor); day > last {
			day = last
		}
		anchor := time.Date(cursor.Year(), cursor.Month(), day, 0, 0, 0, 0, cursor.Location())
		if !anchor.Before(periodStart) && anchor.Before(periodEnd) {
			return true
		}
		cursor = cursor.AddDate(0, 1, 0)
	}
	return false
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
