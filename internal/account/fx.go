package account

import (
	"go.uber.org/fx"

	"github.com/wispware/tally/internal/account/repository"
)

var Module = fx.Module("account.repository",
	fx.Provide(repository.NewRepository),
)
