package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrAccountNotFound  = errors.New("account_not_found")
	ErrTaxClassNotFound = errors.New("tax_class_not_found")
	ErrPlanNotFound     = errors.New("plan_not_found")
)

// Repository is the read-side access the billing engine has to
// subscriber records, plus the two narrow writes it owns: stamping
// billed pending charges and deactivating accounts.
type Repository interface {
	GetAccount(ctx context.Context, id snowflake.ID) (*BillingAccount, error)
	ListAccountsWithAnchorInPeriod(ctx context.Context, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]BillingAccount, error)
	ListActiveSubscriptions(ctx context.Context, accountID snowflake.ID) ([]Subscription, error)
	GetPlan(ctx context.Context, id snowflake.ID) (*Plan, error)
	GetTaxClass(ctx context.Context, id snowflake.ID) (*TaxClass, error)
	ListUnbilledCharges(ctx context.Context, accountID snowflake.ID, before time.Time) ([]PendingCharge, error)
	DeactivateAccount(ctx context.Context, id snowflake.ID, at time.Time) error
	ReactivateAccount(ctx context.Context, id snowflake.ID, at time.Time) error
}
