// Package domain models the dunning policy and the derived per-account
// enforcement state. State is recomputed from the ledger and policy,
// never hand-edited.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// State is the escalation ladder. Deactivated is terminal until a
// manual or payment-triggered reinstatement.
type State string

const (
	StateCurrent     State = "CURRENT"
	StateGrace       State = "GRACE"
	StateBlocked     State = "BLOCKED"
	StateDeactivated State = "DEACTIVATED"
)

// Policy configures the escalation timing for an organization or, via
// per-account override, a single account.
type Policy struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	OrgID                  snowflake.ID `gorm:"not null;index"`
	Name                   string       `gorm:"type:text;not null"`
	DueDays                int          `gorm:"not null"`
	BlockingPeriodDays     int          `gorm:"not null"`
	DeactivationPeriodDays int          `gorm:"not null"`
	MinBalanceThreshold    int64        `gorm:"not null;default:0"`
	IsDefault              bool         `gorm:"not null;default:false"`
	CreatedAt              time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Policy) TableName() string { return "dunning_policies" }

// Valid reports whether the policy can drive punitive transitions.
// Misconfigured policies must never block or deactivate anyone.
func (p Policy) Valid() bool {
	return p.DueDays >= 0 && p.BlockingPeriodDays > 0 && p.DeactivationPeriodDays > 0
}

// AccountState is the persisted snapshot of the derived state.
type AccountState struct {
	AccountID        snowflake.ID `gorm:"primaryKey"`
	OrgID            snowflake.ID `gorm:"not null;index"`
	State            State        `gorm:"type:text;not null;default:'CURRENT'"`
	StateEnteredAt   time.Time    `gorm:"not null"`
	NextTransitionAt *time.Time   `gorm:""`
	LastEvaluatedAt  time.Time    `gorm:"not null"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AccountState) TableName() string { return "account_dunning_states" }

// Transition is an evaluated state change with its enforcement intent.
type Transition struct {
	AccountID snowflake.ID
	From      State
	To        State
	Reason    string
	At        time.Time
}
