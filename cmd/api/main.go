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

	"entitlements/internal/api"
	"entitlements/internal/application/factories/infrastructure"
	"entitlements/internal/application/factories/service"
	"entitlements/internal/config"
	"entitlements/internal/infrastructure/kafka"
	"entitlements/internal/logger"
	"entitlements/internal/processor"
	"entitlements/internal/usecase"

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

	keys, err := service.LoadKeys(cfg, log)
	if err != nil {
		log.Error("failed to load token keys", "error", err)
		os.Exit(1)
	}

	svc, err := service.Build(ctx, infraFactory, cfg, keys, log)
	if err != nil {
		log.Error("failed to build services", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Deliveries go either to the in-process pool or to Kafka for cmd/worker.
	var queue processor.Enqueuer
	if cfg.Processor.Queue == "kafka" {
		queue = kafka.NewEventQueue(infraFactory.Producer(cfg.Kafka.Topic))
	} else {
		pool := processor.NewPool(svc.Processor, cfg.Processor.Workers, cfg.Processor.QueueSize, log)
		queue = pool
		g.Go(func() error { return pool.Run(gctx) })
	}

	handlers := api.NewHandlers(api.HandlerDeps{
		Ingestor:         svc.Processor,
		Queue:            queue,
		CheckAccess:      usecase.NewCheckAccess(svc.Graph, svc.Entitlements, log),
		MintToken:        usecase.NewMintToken(svc.Entitlements, svc.Tokens, cfg.Token.Lifetime),
		VerifyToken:      usecase.NewVerifyToken(svc.Tokens),
		GetEventTrail:    usecase.NewGetEventTrail(svc.Entitlements, svc.Inbox, svc.DeadLetters),
		ListDeadLetters:  usecase.NewListDeadLetters(svc.DeadLetters),
		ReplayDeadLetter: usecase.NewReplayDeadLetter(svc.DeadLetters, svc.Processor, log),
		Tokens:           svc.Tokens,
		Logger:           log,
	})

	srv := &http.Server{
		Addr: ":" + cfg.HTTP.Port,
		Handler: api.NewRouter(handlers, api.RouterConfig{
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
			ReplayLock:   svc.Idempotency,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g.Go(func() error {
		log.Info("server starting", "port", cfg.HTTP.Port, "queue", cfg.Processor.Queue)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}

	log.Info("server exiting")
}
