package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entitlements/internal/application/factories/infrastructure"
	"entitlements/internal/application/factories/service"
	"entitlements/internal/config"
	"entitlements/internal/infrastructure/kafka"
	"entitlements/internal/infrastructure/postgres"
	"entitlements/internal/logger"
	"entitlements/internal/usecase"
	"entitlements/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg, log)
	defer infraFactory.Close()

	// The worker revokes but never signs, so it runs without signing keys.
	svc, err := service.Build(ctx, infraFactory, cfg, nil, log)
	if err != nil {
		log.Error("failed to build services", "error", err)
		os.Exit(1)
	}

	var sweeper worker.KeySweeper
	if keys, ok := svc.Idempotency.(*postgres.IdempotencyRepository); ok {
		sweeper = keys
	}

	janitor := worker.NewJanitor(
		usecase.NewPurgeDeadLetters(svc.DeadLetters, cfg.DeadLetter.Retention),
		sweeper, cfg.DeadLetter.PurgeInterval, log)
	poller := worker.NewReconcilePoller(
		usecase.NewReconcileGraph(svc.Entitlements, svc.Graph, cfg.Reconcile.BatchSize, log),
		cfg.Reconcile.Interval, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })

	if cfg.Processor.Queue == "kafka" {
		reader := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, cfg.Kafka.StartOffset)
		defer reader.Close()

		consumer := worker.NewEventConsumer(reader, svc.Processor, log)
		g.Go(func() error { return consumer.Run(gctx) })
		log.Info("consuming event queue", "topic", cfg.Kafka.Topic, "group_id", cfg.Kafka.GroupID)
	}

	metrics := &http.Server{
		Addr:    ":" + cfg.HTTP.MetricsPort,
		Handler: promhttp.Handler(),
	}
	g.Go(func() error {
		log.Info("worker metrics listening", "port", cfg.HTTP.MetricsPort)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metrics.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("worker stopped with error", "error", err)
	}

	log.Info("worker exited")
}
