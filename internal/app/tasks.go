package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fiberops/conductor/internal/adapter/callback"
	"github.com/fiberops/conductor/internal/config"
	"github.com/fiberops/conductor/internal/domain"
	"github.com/fiberops/conductor/internal/orchestrator"
)

// BuildScheduler assembles the periodic tasks of the orchestrator: queue
// poll, worker status poll, stale-job recovery, metrics sampling, evidence
// eviction, worker health probes and the callback sweep.
func BuildScheduler(
	cfg config.Config,
	dispatcher *orchestrator.Dispatcher,
	poller *orchestrator.Poller,
	engine *orchestrator.RetryEngine,
	collector *orchestrator.Collector,
	prober *orchestrator.Prober,
	evidence domain.EvidenceRepository,
	reporter *callback.Reporter,
) *orchestrator.Scheduler {
	retention := time.Duration(cfg.EvidenceRetentionDays) * 24 * time.Hour

	tasks := []*orchestrator.Task{
		{
			Name:     "queue_poll",
			Interval: cfg.QueuePollInterval,
			Run: func(ctx context.Context) error {
				_, err := dispatcher.RunOnce(ctx)
				return err
			},
		},
		{
			Name:     "status_poll",
			Interval: cfg.StatusPollInterval,
			Run:      poller.RunOnce,
		},
		{
			Name:     "stale_recovery",
			Interval: cfg.RecoverInterval,
			Run: func(ctx context.Context) error {
				_, err := engine.RecoverStale(ctx)
				return err
			},
		},
		{
			Name:     "metrics_sample",
			Interval: cfg.MetricsSampleInterval,
			Run:      collector.Sample,
		},
		{
			Name:     "evidence_eviction",
			Interval: cfg.EvidenceSweepInterval,
			Run: func(ctx context.Context) error {
				cutoff := time.Now().UTC().Add(-retention)
				n, err := evidence.PurgeOlderThan(ctx, cutoff)
				if err != nil {
					return err
				}
				if n > 0 {
					slog.Info("evidence purged", slog.Int64("rows", n), slog.Time("cutoff", cutoff))
				}
				return nil
			},
		},
		{
			Name:     "health_probe",
			Interval: cfg.HealthProbeInterval,
			Run:      prober.RunOnce,
		},
	}
	if reporter != nil {
		// Re-enqueues terminal jobs whose callbacks were never delivered,
		// e.g. after a restart or a full delivery queue.
		tasks = append(tasks, &orchestrator.Task{
			Name:     "callback_sweep",
			Interval: cfg.QueuePollInterval,
			Run:      reporter.SweepPending,
		})
	}
	return orchestrator.NewScheduler(cfg.ServerShutdownTimeout, tasks...)
}
