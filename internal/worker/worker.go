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
	deadLettersPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_dead_letters_purged_total",
		Help: "Dead letters deleted after the retention window",
	})
	keysSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_idempotency_keys_swept_total",
		Help: "Expired idempotency keys deleted from Postgres",
	})
)

// KeySweeper deletes expired idempotency keys. Redis expires its own keys, so
// only the Postgres backend needs one.
type KeySweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Janitor purges old dead letters and expired idempotency keys on an interval.
type Janitor struct {
	purge    *usecase.PurgeDeadLetters
	keys     KeySweeper
	interval time.Duration
	log      *slog.Logger
}

func NewJanitor(purge *usecase.PurgeDeadLetters, keys KeySweeper, interval time.Duration, log *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{purge: purge, keys: keys, interval: interval, log: log}
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.log.Info("janitor started", "interval", j.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *Janitor) RunOnce(ctx context.Context) {
	n, err := j.purge.Execute(ctx)
	if err != nil {
		j.log.Error("dead letter purge failed", "error", err)
	} else if n > 0 {
		deadLettersPurged.Add(float64(n))
		j.log.Info("dead letters purged", "count", n)
	}

	if j.keys == nil {
		return
	}
	n, err = j.keys.DeleteExpired(ctx)
	if err != nil {
		j.log.Error("idempotency key sweep failed", "error", err)
		return
	}
	if n > 0 {
		keysSwept.Add(float64(n))
		j.log.Debug("expired idempotency keys deleted", "count", n)
	}
}
