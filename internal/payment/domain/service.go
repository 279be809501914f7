// Package domain defines the payment intake surface. Ingestion is
// idempotent on the gateway reference: replayed webhooks post once.
package domain

import (
	"context"
	"errors"

	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
)

// Service accepts payment notifications, posts them to the ledger and
// refreshes the account's dunning state in the same call.
type Service interface {
	Record(ctx context.Context, req ledgerdomain.ApplyPaymentRequest) (ledgerdomain.ApplyPaymentResult, error)
}

var ErrExternalRefRequired = errors.New("external_ref_required")
