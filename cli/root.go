/*
Package cli is the credit engine's command line.

COMMANDS:
  serve                 HTTP API, webhooks, scheduler and usage consumer
  migrate               Create or update the database schema
  seed [catalog.json]   Load the plan catalog (built-in default when omitted)
  jobs <job>|all        Run background jobs once and exit
  token <subject>       Issue a bearer token for local testing

GLOBAL FLAGS:
  --config    TOML config file (optional)
  --env-file  .env file loaded before the config (default: .env)

SEE ALSO:
  - config/config.go: Configuration sources and precedence
*/
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/logging"
	"github.com/warp/credit-engine/store/postgres"
	"github.com/warp/credit-engine/store/sqlite"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "credit-engine",
	Short: "Credit ledger and billing service",
	Long: `Credit ledger and billing service for the chat platform.
Keeps an append-only credit ledger per account, grants plan credits every
30 days, hands out daily rewards and debits metered usage.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to .env file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the .env file, then the config file and environment.
func loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Config{}, err
	}
	return config.Load(configPath)
}

func newLogger(cfg config.Config) *logrus.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

// openStore opens the configured store. Both drivers migrate on open.
func openStore(cfg config.Config, log logrus.FieldLogger) (credits.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return postgres.New(cfg.Store.DSN, log)
	case "sqlite":
		return sqlite.New(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// setup is the common prologue of every command.
func setup() (config.Config, *logrus.Logger, credits.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, nil, err
	}
	log := newLogger(cfg)
	store, err := openStore(cfg, log)
	if err != nil {
		return cfg, log, nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	return cfg, log, store, nil
}
