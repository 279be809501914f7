// Package domain contains the subscriber-side records the billing engine
// reads: billing accounts, subscriptions, plans, tax classes and the
// one-off charges queued for the next cycle. The engine never mutates
// subscriber records beyond account deactivation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusEnded    SubscriptionStatus = "ENDED"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

// ProrationBehavior selects between day-exact proration and charging
// the full period regardless of mid-period start or end.
type ProrationBehavior string

const (
	ProrationBehaviorProrate    ProrationBehavior = "PRORATE"
	ProrationBehaviorFullPeriod ProrationBehavior = "FULL_PERIOD"
)

// PendingChargeKind distinguishes scheduled one-off items from
// usage-overage charges carried into the next cycle.
type PendingChargeKind string

const (
	PendingChargeKindOneOff       PendingChargeKind = "ONE_OFF"
	PendingChargeKindUsageOverage PendingChargeKind = "USAGE_OVERAGE"
)

// Organization is the tenant scope for numbering, policies and runs.
type Organization struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Name      string       `gorm:"type:text;not null;unique"`
	Currency  string       `gorm:"type:text;not null;default:'USD'"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// BillingAccount is the entity invoices and payments are posted
// against. Its balance is derived from the ledger, never stored.
// Accounts are deactivated, never physically deleted.
type BillingAccount struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	OrgID           snowflake.ID  `gorm:"not null;index"`
	Name            string        `gorm:"type:text;not null"`
	Currency        string        `gorm:"type:text;not null"`
	AnchorDay       int           `gorm:"not null;default:1"`
	DunningPolicyID *snowflake.ID `gorm:""`
	IsActive        bool          `gorm:"not null;default:true"`
	DeactivatedAt   *time.Time    `gorm:""`
	CreatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingAccount) TableName() string { return "billing_accounts" }

/// Plan is a priced service definition. Prices apply prospectively:
// a plan row referenced by a billed period is treated as immutable.
type Plan struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrgID          snowflake.ID `gorm:"not null;index"`
	Code           string       `gorm:"type:text;not null"`
	Name           string       `gorm:"type:text;not null"`
	PriceAmount    int64        `gorm:"not null"`
	Currency       string       `gorm:"type:text;not null"`
	TaxClassID     snowflake.ID `gorm:"not null"`
	IntervalMonths int          `gorm:"not null;default:1"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// TaxClass holds a percentage rate in basis points (2100 = 21%).
type TaxClass struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index"`
	Code      string       `gorm:"type:text;not null"`
	Name      string       `gorm:"type:text;not null"`
	RateBps   int64        `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TaxClass) TableName() string { return "tax_classes" }

// Subscription is a priced service instance owned by one account.
type Subscription struct {
	ID                  snowflake.ID       `gorm:"primaryKey"`
	OrgID               snowflake.ID       `gorm:"not null;index"`
	AccountID           snowflake.ID       `gorm:"not null;index"`
	PlanID              snowflake.ID       `gorm:"not null"`
	Status              SubscriptionStatus `gorm:"type:text;not null;default:'ACTIVE'"`
	StartAt             time.Time          `gorm:"not null"`
	EndAt               *time.Time         `gorm:""`
	BillingPeriodMonths int                `gorm:"not null;default:1"`
	ProrationBehavior   ProrationBehavior  `gorm:"type:text;not null;default:'PRORATE'"`
	CreatedAt           time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// PendingCharge is a one-off or usage-overage item queued for the next
// cycle. BilledInvoiceID is stamped when an invoice picks it up.
type PendingCharge struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OrgID           snowflake.ID      `gorm:"not null;index"`
	AccountID       snowflake.ID      `gorm:"not null;index"`
	SubscriptionID  *snowflake.ID     `gorm:""`
	Kind            PendingChargeKind `gorm:"type:text;not null;default:'ONE_OFF'"`
	Description     string            `gorm:"type:text;not null"`
	Quantity        int64             `gorm:"not null;default:1"`
	UnitAmount      int64             `gorm:"not null"`
	TaxClassID      snowflake.ID      `gorm:"not null"`
	ScheduledFor    time.Time         `gorm:"not null"`
	BilledInvoiceID *snowflake.ID     `gorm:""`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PendingCharge) TableName() string { return "pending_charges" }
