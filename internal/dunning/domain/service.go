package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// PolicyResolver resolves the effective policy for an account:
// per-account override when present, otherwise the organization
// default. The second return is false when nothing resolves.
type PolicyResolver interface {
	Resolve(ctx context.Context, orgID, accountID snowflake.ID) (Policy, bool, error)
}

// Service recomputes dunning state. Recompute runs after a ledger
// mutation on the account; Sweep catches day-boundary transitions no
// ledger event triggers.
type Service interface {
	PolicyResolver
	Recompute(ctx context.Context, accountID snowflake.ID) (*Transition, error)
	Sweep(ctx context.Context, limit int) (int, error)
	GetState(ctx context.Context, accountID snowflake.ID) (AccountState, error)
	Reinstate(ctx context.Context, accountID snowflake.ID, reason string) error
}

var (
	ErrAccountNotFound = errors.New("account_not_found")
	ErrPolicyMissing   = errors.New("dunning_policy_missing")
	ErrStateNotFound   = errors.New("dunning_state_not_found")
)
