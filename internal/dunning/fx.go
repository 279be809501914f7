package dunning

import (
	"go.uber.org/fx"

	dunningdomain "github.com/wispware/tally/internal/dunning/domain"
	"github.com/wispware/tally/internal/dunning/service"
	"github.com/wispware/tally/internal/dunning/sweep"
)

var Module = fx.Module("dunning",
	fx.Provide(
		service.NewService,
		func(svc dunningdomain.Service) dunningdomain.PolicyResolver { return svc },
	),
	fx.Invoke(sweep.NewWorker),
)
