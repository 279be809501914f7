package charge

import (
	"go.uber.org/fx"

	"github.com/wispware/tally/internal/charge/service"
)

var Module = fx.Module("charge.calculator",
	fx.Provide(service.NewCalculator),
)
