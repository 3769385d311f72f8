package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sydlexius/lyrebird/internal/api"
	"github.com/sydlexius/lyrebird/internal/config"
	"github.com/sydlexius/lyrebird/internal/event"
	"github.com/sydlexius/lyrebird/internal/webhook"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	a, err := openApp(configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	bus := a.bus
	bus.Subscribe(event.LogHandler(logger), event.AllTypes...)

	dispatcher := webhook.NewDispatcher(webhooks(a.cfg, logger), logger)
	bus.Subscribe(dispatcher.HandleEvent, event.AllTypes...)
	a.onReload = func(cfg *config.Config) {
		dispatcher.SetWebhooks(webhooks(cfg, logger))
	}

	logger.Info("starting lyrebird",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := api.NewRouter(api.RouterDeps{
		AuthService:        a.auth,
		CatalogService:     a.catalog,
		TranslationService: a.translation,
		MergeService:       a.merge,
		MaintenanceService: a.maintenance,
		Logger:             logger,
		BasePath:           a.cfg.Server.BasePath,
		Version:            version,
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(ctx),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return bus.Run(gctx) })

	g.Go(func() error {
		if err := config.Watch(gctx, configPath, logger, a.applyConfig); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
		return nil
	})

	if a.cfg.Maintenance.Enabled {
		interval := time.Duration(a.cfg.Maintenance.IntervalHours) * time.Hour
		g.Go(func() error { return a.maintenance.Run(gctx, interval) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := a.auth.CleanExpiredSessions(gctx); err != nil {
					logger.Error("session cleanup failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", addr), slog.String("base_path", a.cfg.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	dispatcher.Wait()
	return err
}

// webhooks converts the configured endpoints, skipping invalid ones.
func webhooks(cfg *config.Config, logger *slog.Logger) []webhook.Webhook {
	hooks := make([]webhook.Webhook, 0, len(cfg.Webhooks))
	for _, c := range cfg.Webhooks {
		w := webhook.Webhook{Name: c.Name, URL: c.URL, Type: c.Type, Events: c.Events}
		if err := w.Validate(); err != nil {
			logger.Warn("ignoring webhook", "error", err)
			continue
		}
		hooks = append(hooks, w)
	}
	return hooks
}
