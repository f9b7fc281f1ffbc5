// Command orchestrator starts the RPA control plane: job API, queue
// dispatcher, status poller, retry/recovery engine, callback reporter and
// the periodic scheduler.
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

	"github.com/redis/go-redis/v9"

	"github.com/fiberops/conductor/internal/adapter/callback"
	"github.com/fiberops/conductor/internal/adapter/httpserver"
	"github.com/fiberops/conductor/internal/adapter/observability"
	"github.com/fiberops/conductor/internal/adapter/repo/postgres"
	"github.com/fiberops/conductor/internal/adapter/tokens"
	"github.com/fiberops/conductor/internal/adapter/workerclient"
	"github.com/fiberops/conductor/internal/app"
	"github.com/fiberops/conductor/internal/config"
	"github.com/fiberops/conductor/internal/domain"
	"github.com/fiberops/conductor/internal/orchestrator"
	"github.com/fiberops/conductor/internal/usecase"
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

	workerDefs, err := config.LoadWorkers(cfg.WorkersFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	evidenceRepo := postgres.NewEvidenceRepo(pool)
	metricsRepo := postgres.NewMetricsRepo(pool)
	workerRepo := postgres.NewWorkerRepo(pool)

	var rdb redis.UniversalClient
	var tokenStore *tokens.Store
	if cfg.AuthEnabled() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			return 1
		}
		tokenStore = tokens.New(rdb, cfg.APIUsername, cfg.APIPasswordHash, cfg.TokenTTL)
	} else {
		slog.Warn("API auth disabled: API_USERNAME/API_PASSWORD_HASH not set")
	}

	backoff := domain.BackoffPolicy{
		Base:   cfg.RetryBackoffBase,
		Factor: 2,
		Cap:    cfg.RetryBackoffCap,
		Jitter: cfg.RetryBackoffJitter,
	}
	registry := orchestrator.NewRegistry(workerDefs, cfg.WorkerFailureThreshold)
	client := workerclient.New(cfg.HTTPClientTimeout)
	reporter := callback.NewReporter(cfg, jobRepo)
	engine := orchestrator.NewRetryEngine(jobRepo, evidenceRepo, client, registry, reporter, backoff, cfg.StaleThreshold)
	poller := orchestrator.NewPoller(jobRepo, client, registry, engine, cfg.StaleThreshold)
	dispatcher := orchestrator.NewDispatcher(jobRepo, registry, client, cfg.DispatchBackoff, cfg.DispatchRefusalCountsRetry)
	collector := orchestrator.NewCollector(jobRepo, registry, metricsRepo, cfg.MetricsRingSize)
	prober := orchestrator.NewProber(registry, client, workerRepo)

	scheduler := app.BuildScheduler(cfg, dispatcher, poller, engine, collector, prober, evidenceRepo, reporter)
	jobSvc := usecase.NewJobService(jobRepo, evidenceRepo, cfg.MaxRetries)

	srv := httpserver.New(cfg, jobSvc, dispatcher, engine, scheduler, collector, registry, reporter, tokenStore)
	srv.SetBaseContext(ctx)

	checks := []app.ReadyCheck{app.DBCheck(pool)}
	if rdb != nil {
		checks = append(checks, app.RedisCheck(rdb))
	}
	handler := app.BuildRouter(cfg, srv, checks...)

	go reporter.Run(ctx)
	scheduler.Start(ctx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator starting", slog.Int("port", cfg.Port), slog.Int("workers", len(workerDefs)))
		errCh <- srvHTTP.ListenAndServe()
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

	// Stop accepting submissions first, then drain the scheduler and flush
	// in-flight callbacks. Running jobs stay running; the next instance
	// recovers them through the stale sweep.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	scheduler.Stop()
	cancel()
	reporter.Wait()
	return 0
}
