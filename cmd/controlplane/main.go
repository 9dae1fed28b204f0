// Package main provides the control-plane server: enqueue, queue and
// DLQ administration, health, readiness, and metrics exposition.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/iconicxs/relicxs-workers/internal/adapter/httpserver"
	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/adapter/repo/postgres"
	"github.com/iconicxs/relicxs-workers/internal/app"
	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg, "controlplane")
	slog.SetDefault(logger)
	observability.InitMetrics()

	if cfg.RequireTokens() && len(cfg.BearerTokens()) == 0 {
		slog.Error("no control-plane tokens configured; set ENQUEUE_TOKEN or run with MINIMAL_MODE=true")
		os.Exit(1)
	}

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := queue.NewClient(cfg)
	if err != nil {
		slog.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	q := queue.New(rdb)

	// Drain any elements left on the pre-namespacing legacy keys.
	if report, err := q.MigrateLegacyKeys(ctx); err != nil {
		slog.Warn("legacy key migration failed", slog.Any("error", err))
	} else if len(report.Moved) > 0 || report.DeadLetter > 0 {
		slog.Info("legacy keys migrated",
			slog.Any("moved", report.Moved),
			slog.Int("dead_letter", report.DeadLetter))
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	srv := &httpserver.Server{
		Cfg:    cfg,
		Queue:  q,
		Ready:  app.ReadyChecks(rdb, pool),
		Health: app.HealthSnapshot(q),
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HealthPort),
		Handler: srv.Router(),
	}
	go func() {
		slog.Info("control plane listening", slog.Int("port", cfg.HealthPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", slog.Any("error", err))
	}
	slog.Info("control plane stopped")
}
