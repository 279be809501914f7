// Package db opens the shared gorm connection and exposes
// transaction helpers used across the billing engine.
package db

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wispware/tally/internal/config"
)

var Module = fx.Module("db",
	fx.Provide(Open),
)

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

// Open connects to the configured database. Postgres is the production
// target; a file or in-memory sqlite DSN is accepted for local development.
func Open(p Params) (*gorm.DB, error) {
	dsn := strings.TrimSpace(p.Cfg.Database.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	var (
		conn *gorm.DB
		err  error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		conn, err = gorm.Open(postgres.Open(dsn), gormCfg)
	default:
		conn, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(p.Cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(p.Cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(p.Cfg.Database.ConnMaxLifetimeMinutes) * time.Minute)

	p.Log.Info("database connected", zap.String("dialect", conn.Dialector.Name()))
	return conn, nil
}

// ForUpdate appends a row-locking clause on dialects that support it.
// SQLite serializes writers on its own and rejects FOR UPDATE syntax.
func ForUpdate(tx *gorm.DB) string {
	if tx != nil && tx.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}
