package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/sydlexius/lyrebird/internal/auth"
	"github.com/sydlexius/lyrebird/internal/catalog"
	"github.com/sydlexius/lyrebird/internal/config"
	"github.com/sydlexius/lyrebird/internal/database"
	"github.com/sydlexius/lyrebird/internal/event"
	"github.com/sydlexius/lyrebird/internal/logging"
	"github.com/sydlexius/lyrebird/internal/maintenance"
	"github.com/sydlexius/lyrebird/internal/merge"
	"github.com/sydlexius/lyrebird/internal/translation"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lyrebird",
		Short:         "Translation ranking and entity merge service",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultPath := os.Getenv("LB_CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "/data/config.yaml"
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultPath, "Path to the YAML config file (env LB_CONFIG_PATH)")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newRankCmd(&configPath, "promote"),
		newRankCmd(&configPath, "demote"),
		newMergeCmd(&configPath),
		newResetCredentialsCmd(&configPath),
		newSnapshotCmd(&configPath),
		newCheckCmd(&configPath),
	)
	return root
}

// app holds the services every command is built from.
type app struct {
	cfg         *config.Config
	logManager  *logging.Manager
	logger      *slog.Logger
	db          *sqlx.DB
	auth        *auth.Service
	catalog     *catalog.Service
	translation *translation.Service
	merge       *merge.Service
	maintenance *maintenance.Service
	bus         *event.Bus

	// onReload runs after the built-in hot reload steps in applyConfig.
	onReload func(*config.Config)
}

// openApp loads config, opens and migrates the database and wires the
// services. With withBus set, rank and merge events go to a.bus, which the
// caller must run; one-shot commands pass false and publish nothing.
func openApp(configPath string, withBus bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logManager, logger := logging.NewManager(loggingConfig(cfg))
	slog.SetDefault(logger)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logManager.Close() //nolint:errcheck
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(db.DB); err != nil {
		db.Close()         //nolint:errcheck
		logManager.Close() //nolint:errcheck
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("database ready", slog.String("path", cfg.Database.Path))

	var (
		bus    *event.Bus
		events event.Publisher
	)
	if withBus {
		bus = event.NewBus(logger, 256)
		events = bus
	}

	authService := auth.NewService(db, cfg.Ranking.RoleWeights)
	return &app{
		cfg:         cfg,
		logManager:  logManager,
		logger:      logger,
		db:          db,
		auth:        authService,
		catalog:     catalog.NewService(db),
		translation: translation.NewService(db, authService, events, logger),
		merge:       merge.NewService(db, cfg.Merge.NudgeStep, events, logger),
		maintenance: maintenance.NewService(db, cfg.Database.Path, cfg.Maintenance.SnapshotDir,
			maintenanceOptions(cfg), logger),
		bus: bus,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("closing database", "error", err)
	}
	a.logManager.Close() //nolint:errcheck
}

// applyConfig pushes the hot-reloadable parts of cfg into the running services.
func (a *app) applyConfig(cfg *config.Config) {
	a.logManager.Reconfigure(loggingConfig(cfg))
	a.auth.SetRoleWeights(cfg.Ranking.RoleWeights)
	a.merge.SetNudgeStep(cfg.Merge.NudgeStep)
	a.maintenance.SetOptions(maintenanceOptions(cfg))
	if a.onReload != nil {
		a.onReload(cfg)
	}
	if cfg.Server.Port != a.cfg.Server.Port || cfg.Server.BasePath != a.cfg.Server.BasePath || cfg.Database.Path != a.cfg.Database.Path ||
		cfg.Maintenance.Enabled != a.cfg.Maintenance.Enabled || cfg.Maintenance.IntervalHours != a.cfg.Maintenance.IntervalHours {
		a.logger.Warn("server, database and maintenance schedule settings take effect after a restart")
	}
}

func loggingConfig(cfg *config.Config) logging.Config {
	return logging.Config{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		FilePath:       cfg.Logging.FilePath,
		FileMaxSizeMB:  cfg.Logging.FileMaxSizeMB,
		FileMaxFiles:   cfg.Logging.FileMaxFiles,
		FileMaxAgeDays: cfg.Logging.FileMaxAgeDays,
	}
}

func maintenanceOptions(cfg *config.Config) maintenance.Options {
	return maintenance.Options{
		Retention:  cfg.Maintenance.Retention,
		MaxAgeDays: cfg.Maintenance.MaxAgeDays,
	}
}
