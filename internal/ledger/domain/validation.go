package domain

import "strings"

// ValidateEntry checks an entry before it is appended. Amounts must be
// strictly positive; zero-amount entries carry no information and
// negative ones would hide direction.
func ValidateEntry(entry Entry) error {
	if entry.AccountID == 0 || entry.OrgID == 0 {
		return ErrInvalidAccount
	}
	if entry.Amount <= 0 {
		return ErrInvalidAmount
	}
	if entry.Direction != DirectionDebit && entry.Direction != DirectionCredit {
		return ErrInvalidDirection
	}
	if strings.TrimSpace(entry.SourceType) == "" {
		return ErrInvalidSourceType
	}
	if entry.OccurredAt.IsZero() {
		return ErrInvalidOccurredAt
	}
	return nil
}

// ValidateAllocations checks that allocations do not exceed the payment
// amount and that each targets an invoice with a positive amount.
func ValidateAllocations(paymentAmount int64, allocations []Allocation) error {
	if paymentAmount <= 0 {
		return ErrInvalidAmount
	}
	var total int64
	for _, allocation := range allocations {
		if allocation.InvoiceID == 0 {
			return ErrInvoiceNotFound
		}
		if allocation.Amount <= 0 {
			return ErrInvalidAmount
		}
		total += allocation.Amount
	}
	if total > paymentAmount {
		return ErrAllocationExceedsPayment
	}
	return nil
}
