// Package app ties all postpull components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/postpull/postpull/internal/api"
	"github.com/postpull/postpull/internal/config"
	"github.com/postpull/postpull/internal/ledger"
	"github.com/postpull/postpull/internal/notify"
	"github.com/postpull/postpull/internal/orchestrator"
	"github.com/postpull/postpull/internal/runner"
	"github.com/postpull/postpull/internal/scheduler"
	"github.com/postpull/postpull/internal/store"
)

// App is the main postpull process.
type App struct {
	cfg    *config.Config
	store  store.Store
	api    *api.Server
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

// New creates a new app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	led := ledger.New(db, logger)

	// The runner registers this URL as the completion webhook for each run.
	callbackURL := strings.TrimRight(cfg.Server.PublicURL, "/") +
		api.WebhookPath + "?secret=" + url.QueryEscape(cfg.Runner.WebhookSecret)
	rc := runner.NewApify(cfg.Runner, callbackURL, logger)

	notifier := notify.New(cfg.Notify, logger)
	orch := orchestrator.New(db, led, rc, notifier, cfg.Guards, logger)
	sched := scheduler.New(db, orch, cfg.Scheduler, logger)
	apiSrv := api.NewServer(db, led, orch, sched, rc, cfg, logger)

	a := &App{
		cfg:    cfg,
		store:  db,
		api:    apiSrv,
		sched:  sched,
		logger: logger.With("component", "app"),
	}

	// Startup validation warnings.
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if strings.HasPrefix(cfg.Server.PublicURL, "http://") {
		logger.Warn("public_url is plain http, the completion webhook secret travels unencrypted")
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	// Internal scheduler ticker, for deployments without an external cron.
	if a.cfg.Scheduler.TickInterval.Duration > 0 {
		go a.sched.Tick(ctx, a.cfg.Scheduler.TickInterval.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("postpull listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}
