// Command worker starts the execution runtime: it accepts dispatches from
// the orchestrator, runs browser automations up to the concurrency cap and
// serves per-job status back to the poller.
//
// Exit codes: 0 clean shutdown, 1 startup failure, 2 configuration error.
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
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/adapter/workerserver"
	"github.com/fiberops/conductor/internal/config"
	"github.com/fiberops/conductor/internal/worker"
	"github.com/fiberops/conductor/internal/worker/automation"
)

func main() { os.Exit(run()) }

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 2
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	registry := automation.NewRegistry()
	// Real portal automations register here; the stubs cover dev and test
	// deployments where no FNO portals are reachable.
	automation.RegisterStubs(registry, cfg.WorkerProviders)

	runtime := worker.NewRuntime(registry, cfg.MaxConcurrent, cfg.JobTimeout, cfg.ResultTTL)

	srv, err := workerserver.New(runtime, cfg.AllowedCIDRs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runtime.Run(ctx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerPort),
		Handler:           srv.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("worker starting",
			slog.Int("port", cfg.WorkerPort),
			slog.Int("capacity", cfg.MaxConcurrent),
			slog.Any("providers", registry.Providers()))
		errCh <- srvHTTP.ListenAndServe()
	}()
	go func() {
		errCh <- metricsHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			return 1
		}
	}

	// In-flight automations are not awaited: the orchestrator treats jobs
	// lost in a worker restart as stale and reschedules them.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	_ = metricsHTTP.Shutdown(shutdownCtx)
	cancel()
	return 0
}
