package orchestrator

import (
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fiberops/conductor/internal/domain"
)

// Prober drives the periodic worker health probes. Probe results are folded
// into the registry and, when a worker repository is configured, persisted
// as the latest snapshot per endpoint.
type Prober struct {
	registry *Registry
	client   domain.WorkerClient
	repo     domain.WorkerRepository
}

// NewProber constructs a Prober. repo may be nil.
func NewProber(registry *Registry, client domain.WorkerClient, repo domain.WorkerRepository) *Prober {
	return &Prober{registry: registry, client: client, repo: repo}
}

// RunOnce probes every configured worker once.
func (p *Prober) RunOnce(ctx domain.Context) error {
	tracer := otel.Tracer("orchestrator.prober")
	ctx, span := tracer.Start(ctx, "Prober.RunOnce")
	defer span.End()

	for _, w := range p.registry.Snapshot() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		info, err := p.client.Health(ctx, w.Endpoint)
		p.registry.ApplyProbe(w.Endpoint, info, err)
		if err != nil {
			slog.Warn("worker health probe failed",
				slog.String("worker", w.Endpoint),
				slog.Any("error", err))
		}
	}
	if p.repo != nil {
		for _, w := range p.registry.Snapshot() {
			if err := p.repo.UpsertSnapshot(ctx, w); err != nil {
				slog.Error("failed to persist worker snapshot",
					slog.String("worker", w.Endpoint),
					slog.Any("error", err))
			}
		}
	}
	return nil
}
