package billingrun

import (
	"go.uber.org/fx"

	"github.com/wispware/tally/internal/billingrun/service"
)

var Module = fx.Module("billingrun",
	fx.Provide(
		service.NewService,
	),
)
