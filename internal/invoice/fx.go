package invoice

import (
	"go.uber.org/fx"

	"github.com/wispware/tally/internal/invoice/service"
)

var Module = fx.Module("invoice",
	fx.Provide(
		service.NewService,
	),
)
