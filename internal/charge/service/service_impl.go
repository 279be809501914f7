package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	accountdomain "github.com/wispware/tally/internal/account/domain"
	chargedomain "github.com/wispware/tally/internal/charge/domain"
)

// Calculator is stateless; a single instance serves all callers.
type Calculator struct{}

func NewCalculator() chargedomain.Calculator {
	return &Calculator{}
}

// Calculate produces zero or more line items for the subscription over
// the period, plus one line per queued pending charge. Proration uses
// round-half-even on minor units, the fixed rule the rest of the
// engine reconciles against.
func (c *Calculator) Calculate(input chargedomain.CalculateInput) ([]chargedomain.LineItem, error) {
	period := input.Period
	if !period.End.After(period.Start) {
		return nil, chargedomain.ErrProrationInputInvalid
	}
	if input.Plan.PriceAmount < 0 {
		return nil, chargedomain.ErrProrationInputInvalid
	}
	if input.Subscription.ID != 0 && input.Subscription.PlanID != input.Plan.ID {
		return nil, chargedomain.ErrPlanMismatch
	}

	lines := make([]chargedomain.LineItem, 0, 1+len(input.PendingCharges))

	// A zero subscription means charge-only input: price nothing
	// recurring, just the queued charges.
	if input.Subscription.ID != 0 {
		if line, ok, err := c.subscriptionLine(input); err != nil {
			return nil, err
		} else if ok {
			lines = append(lines, line)
		}
	}

	for i := range input.PendingCharges {
		charge := input.PendingCharges[i]
		lines = append(lines, pendingChargeLine(charge))
	}

	return lines, nil
}

func (c *Calculator) subscriptionLine(input chargedomain.CalculateInput) (chargedomain.LineItem, bool, error) {
	sub := input.Subscription
	plan := input.Plan
	period := input.Period

	activeStart := period.Start
	if sub.StartAt.After(activeStart) {
		activeStart = sub.StartAt
	}
	activeEnd := period.End
	if sub.EndAt != nil && sub.EndAt.Before(activeEnd) {
		activeEnd = *sub.EndAt
	}
	if !activeEnd.After(activeStart) {
		return chargedomain.LineItem{}, false, nil
	}

	periodDays := period.Days()
	if periodDays <= 0 {
		return chargedomain.LineItem{}, false, chargedomain.ErrProrationInputInvalid
	}
	activeDays := chargedomain.Period{Start: activeStart, End: activeEnd}.Days()
	if activeDays > periodDays {
		activeDays = periodDays
	}

	fullPeriod := activeDays == periodDays ||
		sub.ProrationBehavior == accountdomain.ProrationBehaviorFullPeriod

	amount := plan.PriceAmount
	description := fmt.Sprintf("%s (%s - %s)",
		plan.Name,
		period.Start.Format("2006-01-02"),
		period.End.Format("2006-01-02"),
	)
	if !fullPeriod {
		amount = prorate(plan.PriceAmount, activeDays, periodDays)
		description = fmt.Sprintf("%s (%s - %s, %d/%d days)",
			plan.Name,
			activeStart.Format("2006-01-02"),
			activeEnd.Format("2006-01-02"),
			activeDays,
			periodDays,
		)
	}

	return chargedomain.LineItem{
		Description: description,
		Quantity:    1,
		UnitAmount:  plan.PriceAmount,
		Amount:      amount,
		TaxClassID:  plan.TaxClassID,
		Source:      chargedomain.LineSourceSubscription,
		SourceID:    sub.ID,
	}, true, nil
}

func pendingChargeLine(charge accountdomain.PendingCharge) chargedomain.LineItem {
	quantity := charge.Quantity
	if quantity < 1 {
		quantity = 1
	}
	source := chargedomain.LineSourceOneOff
	if charge.Kind == accountdomain.PendingChargeKindUsageOverage {
		source = chargedomain.LineSourceUsageOverage
	}
	chargeID := charge.ID
	return chargedomain.LineItem{
		Description:     charge.Description,
		Quantity:        quantity,
		UnitAmount:      charge.UnitAmount,
		Amount:          quantity * charge.UnitAmount,
		TaxClassID:      charge.TaxClassID,
		Source:          source,
		SourceID:        charge.AccountID,
		PendingChargeID: &chargeID,
	}
}

// prorate computes price * activeDays / periodDays in minor units with
// banker's rounding. Regulatory correctness depends on this exact rule.
func prorate(priceMinorUnits int64, activeDays, periodDays int) int64 {
	scaled := decimal.NewFromInt(priceMinorUnits).Mul(decimal.NewFromInt(int64(activeDays)))
	return scaled.Div(decimal.NewFromInt(int64(periodDays))).RoundBank(0).IntPart()
}
