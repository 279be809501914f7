package domain

import (
	"errors"

	accountdomain "github.com/wispware/tally/internal/account/domain"
)

// Calculator prices a subscription (plus queued one-off and overage
// charges) over a billing period. It performs no I/O and no rounding
// beyond the fixed round-half-even rule.
type Calculator interface {
	Calculate(input CalculateInput) ([]LineItem, error)
}

// CalculateInput carries everything the calculator needs; callers load
// the records, the calculator only computes.
type CalculateInput struct {
	Subscription   accountdomain.Subscription
	Plan           accountdomain.Plan
	Period         Period
	PendingCharges []accountdomain.PendingCharge
}

var (
	ErrProrationInputInvalid = errors.New("proration_input_invalid")
	ErrPlanMismatch          = errors.New("plan_mismatch")
)
