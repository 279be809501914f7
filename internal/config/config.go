// Package config loads engine configuration from the environment and an
// optional YAML file (TALLY_CONFIG_FILE).
package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
)

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type BillingRunConfig struct {
	// Workers bounds the per-account fan-out inside a run.
	Workers int `mapstructure:"workers"`
	// MaxRetries bounds retries for contention-class failures per account.
	MaxRetries int `mapstructure:"max_retries"`
	// NumberingEpoch selects the numbering counter key: "none" or "yearly".
	NumberingEpoch string `mapstructure:"numbering_epoch"`
}

type DunningSweepConfig struct {
	BatchSize           int `mapstructure:"batch_size"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

type LedgerConfig struct {
	// AgingBucketDays are ascending upper bounds; a final open bucket is
	// added implicitly (e.g. 30,60,90 yields 0-30, 31-60, 61-90, 90+).
	AgingBucketDays []int `mapstructure:"aging_bucket_days"`
}

type BootstrapConfig struct {
	EnsureDefaultOrg bool `mapstructure:"ensure_default_org"`
}

type Config struct {
	Environment string             `mapstructure:"environment"`
	ServiceName string             `mapstructure:"service_name"`
	Database    DatabaseConfig     `mapstructure:"database"`
	HTTP        HTTPConfig         `mapstructure:"http"`
	BillingRun  BillingRunConfig   `mapstructure:"billing_run"`
	DunningSweep DunningSweepConfig `mapstructure:"dunning_sweep"`
	Ledger      LedgerConfig       `mapstructure:"ledger"`
	Bootstrap   BootstrapConfig    `mapstructure:"bootstrap"`
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("service_name", "tally")
	v.SetDefault("database.dsn", "file:tally.db?_fk=1")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime_minutes", 30)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("billing_run.workers", 8)
	v.SetDefault("billing_run.max_retries", 3)
	v.SetDefault("billing_run.numbering_epoch", "yearly")
	v.SetDefault("dunning_sweep.batch_size", 100)
	v.SetDefault("dunning_sweep.poll_interval_seconds", 300)
	v.SetDefault("ledger.aging_bucket_days", []int{30, 60, 90})
	v.SetDefault("bootstrap.ensure_default_org", true)

	if file := strings.TrimSpace(v.GetString("config_file")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
