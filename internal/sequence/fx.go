package sequence

import (
	"go.uber.org/fx"

	"github.com/wispware/tally/internal/sequence/service"
)

var Module = fx.Module("sequence.service",
	fx.Provide(service.NewService),
)
