package service

import (
	"context"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	dunningdomain "github.com/wispware/tally/internal/dunning/domain"
	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
	paymentdomain "github.com/wispware/tally/internal/payment/domain"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Ledger  ledgerdomain.Service
	Dunning dunningdomain.Service
}

type Service struct {
	log     *zap.Logger
	ledger  ledgerdomain.Service
	dunning dunningdomain.Service
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:     p.Log.Named("payment.service"),
		ledger:  p.Ledger,
		dunning: p.Dunning,
	}
}

// Record posts the payment and immediately recomputes dunning so a
// paying subscriber is unblocked in the same request, not at the next
// sweep. A dunning failure after a committed payment is logged, not
// returned: the money is in the ledger either way.
func (s *Service) Record(ctx context.Context, req ledgerdomain.ApplyPaymentRequest) (ledgerdomain.ApplyPaymentResult, error) {
	if req.ExternalRef == nil || strings.TrimSpace(*req.ExternalRef) == "" {
		return ledgerdomain.ApplyPaymentResult{}, paymentdomain.ErrExternalRefRequired
	}

	result, err := s.ledger.ApplyPayment(ctx, req)
	if err != nil {
		return ledgerdomain.ApplyPaymentResult{}, err
	}

	if _, err := s.dunning.Recompute(ctx, req.AccountID); err != nil {
		s.log.Error("dunning recompute after payment failed",
			zap.String("account_id", req.AccountID.String()),
			zap.Error(err),
		)
	}

	s.log.Info("payment recorded",
		zap.String("payment_id", result.PaymentID.String()),
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("amount", req.Amount),
		zap.Int64("allocated", result.Allocated),
		zap.Int64("unallocated", result.Unallocated),
	)
	return result, nil
}
