package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/wispware/tally/internal/account"
	"github.com/wispware/tally/internal/billingrun"
	"github.com/wispware/tally/internal/charge"
	"github.com/wispware/tally/internal/clock"
	"github.com/wispware/tally/internal/config"
	"github.com/wispware/tally/internal/dunning"
	"github.com/wispware/tally/internal/events"
	"github.com/wispware/tally/internal/invoice"
	"github.com/wispware/tally/internal/ledger"
	"github.com/wispware/tally/internal/migration"
	"github.com/wispware/tally/internal/observability/logger"
	"github.com/wispware/tally/internal/payment"
	"github.com/wispware/tally/internal/seed"
	"github.com/wispware/tally/internal/sequence"
	"github.com/wispware/tally/internal/server"
	"github.com/wispware/tally/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(
			func() (*snowflake.Node, error) {
				return snowflake.NewNode(1)
			},
			func() clock.Clock { return clock.SystemClock{} },
		),
		db.Module,
		fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			if cfg.Bootstrap.EnsureDefaultOrg {
				return seed.EnsureDefaultOrg(conn)
			}
			return nil
		}),

		events.Module,
		account.Module,
		charge.Module,
		sequence.Module,
		ledger.Module,
		invoice.Module,
		dunning.Module,
		payment.Module,
		billingrun.Module,
		server.Module,
	)
	app.Run()
}
