package worker

import (
	"context"
	"log/slog"
	"time"

	"entitlements/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_graph_reconcile_runs_total",
		Help: "Graph reconciliation passes by outcome",
	}, []string{"outcome"})
	edgesRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_graph_edges_repaired_total",
		Help: "Relationship edges rewritten to match the entitlement table",
	})
)

// ReconcilePoller periodically walks the entitlement table and repairs graph
// edges that drifted.
type ReconcilePoller struct {
	reconcile *usecase.ReconcileGraph
	interval  time.Duration
	log       *slog.Logger
}

func NewReconcilePoller(reconcile *usecase.ReconcileGraph, interval time.Duration, log *slog.Logger) *ReconcilePoller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReconcilePoller{reconcile: reconcile, interval: interval, log: log}
}

func (p *ReconcilePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("graph reconciliation started", "interval", p.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("graph reconciliation failed", "error", err)
			}
		}
	}
}

func (p *ReconcilePoller) RunOnce(ctx context.Context) (usecase.ReconcileReport, error) {
	report, err := p.reconcile.Execute(ctx)
	edgesRepaired.Add(float64(report.Repaired))
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		return report, err
	}

	reconcileRuns.WithLabelValues("ok").Inc()
	if report.Repaired > 0 || report.Failed > 0 {
		p.log.Warn("graph drift repaired",
			"scanned", report.Scanned, "repaired", report.Repaired, "failed", report.Failed)
	}
	return report, nil
}
