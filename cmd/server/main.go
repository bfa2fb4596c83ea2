/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the SCOA mapping engine. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  scoa-server [serve]          Run the HTTP API (default)
  scoa-server recalc           Rebuild activity once and exit

STARTUP SEQUENCE:
  1. Load config (defaults -> YAML -> .env -> environment -> flags)
  2. Initialize logrus logger
  3. Initialize SQLite store
  4. Create Service, Handler, optional scheduler
  5. Start server with graceful shutdown

GLOBAL FLAGS:
  --config   YAML config file
  --env      .env file (default: .env, ignored when missing)
  --db       SQLite database path (":memory:" for in-memory)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database connection

EXAMPLES:
  ./scoa-server --db=./data/scoa.db --port=3000
  ./scoa-server recalc --entity E1 --month 2024-01 --month 2024-02
  ./scoa-server recalc --all

SEE ALSO:
  - internal/config/config.go: configuration sources
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/scoa-engine/allocation"
	"github.com/warp/scoa-engine/internal/config"
	"github.com/warp/scoa-engine/internal/logging"
	"github.com/warp/scoa-engine/store/sqlite"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	envFile    string
	dbPath     string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	serve := newServeCmd(flags)

	root := &cobra.Command{
		Use:          "scoa-server",
		Short:        "SCOA mapping and allocation engine",
		Long:         "Maps entity GL accounts to standard chart-of-accounts targets and keeps the allocated activity table in sync.",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env", ".env", "dotenv file, ignored when missing")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides config)")

	// serve flags are accepted on the root command too
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, newRecalcCmd(flags))
	return root
}

// app is the wired dependency graph shared by the commands.
type app struct {
	cfg     config.Config
	log     logging.Logger
	store   *sqlite.Store
	service *allocation.Service
}

// bootstrap loads config, applies flag overrides and opens the store.
func bootstrap(flags *globalFlags, override func(*config.Config)) (*app, error) {
	cfg, err := config.Load(flags.configPath, flags.envFile)
	if err != nil {
		return nil, err
	}
	if flags.dbPath != "" {
		cfg.Database.Path = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if override != nil {
		override(&cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	log := logging.NewLogrusAdapter(cfg.Log.Level, cfg.Log.Format)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	svc := allocation.NewService(store, log, allocation.ServiceConfig{
		MaxBatchRows:             cfg.Mapping.MaxBatchRows,
		PrefetchConcurrency:      cfg.Mapping.PrefetchConcurrency,
		DefaultUpdatedBy:         cfg.Mapping.DefaultUpdatedBy,
		DefaultDynamicPresetName: cfg.Mapping.DefaultDynamicPresetName,
	})

	return &app{cfg: cfg, log: log, store: store, service: svc}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("closing database failed")
	}
}
