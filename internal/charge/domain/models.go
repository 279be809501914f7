// Package domain defines the charge calculator's input and output
// shapes. The calculator is pure: identical inputs always produce
// identical line items, which is what makes billing-run retries safe.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LineSource identifies what produced a calculated line.
type LineSource string

const (
	LineSourceSubscription LineSource = "subscription"
	LineSourceOneOff       LineSource = "one_off"
	LineSourceUsageOverage LineSource = "usage_overage"
)

// Period is a half-open billing interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Days returns the whole-day length of the period.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours() / 24)
}

// LineItem is one priced, independently taxed charge. Amounts are in
// the account currency's minor units.
type LineItem struct {
	Description     string
	Quantity        int64
	UnitAmount      int64
	Amount          int64
	TaxClassID      snowflake.ID
	Source          LineSource
	SourceID        snowflake.ID
	PendingChargeID *snowflake.ID
}
