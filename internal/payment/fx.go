package payment

import (
	"go.uber.org/fx"

	"github.com/wispware/tally/internal/payment/service"
)

var Module = fx.Module("payment",
	fx.Provide(
		service.NewService,
	),
)
