package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"entitlements/internal/config"
	"entitlements/internal/domain/idempotency"
	"entitlements/internal/infrastructure/kafka"
	"entitlements/internal/infrastructure/postgres"
	"entitlements/internal/infrastructure/redis"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"
)

// Factory opens infrastructure clients on first use and closes them together.
type Factory struct {
	cfg       *config.Config
	log       *slog.Logger
	pgPool    *pgxpool.Pool
	graphPool *pgxpool.Pool
	redisCli  *go_redis.Client
	producers map[string]*kafka.Producer
}

func NewFactory(cfg *config.Config, log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{
		cfg:       cfg,
		log:       log,
		producers: make(map[string]*kafka.Producer),
	}
}

// Postgres connects to the main database, retrying while it comes up, and
// applies the core migrations when POSTGRES_MIGRATE is set.
func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	pool, err := f.connect(ctx, "postgres", f.cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}
	if f.cfg.Postgres.Migrate {
		if err := postgres.Migrate(pool, postgres.SchemaCore); err != nil {
			pool.Close()
			return nil, err
		}
	}

	f.pgPool = pool
	return pool, nil
}

// Graph returns the pool backing the relationship store. Without
// GRAPH_DATABASE_URL it shares the main pool.
func (f *Factory) Graph(ctx context.Context) (*pgxpool.Pool, error) {
	if f.graphPool != nil {
		return f.graphPool, nil
	}

	var (
		pool *pgxpool.Pool
		err  error
	)
	if f.cfg.GraphDSN() == f.cfg.PostgresDSN() {
		pool, err = f.Postgres(ctx)
	} else {
		pool, err = f.connect(ctx, "graph", f.cfg.GraphDSN())
	}
	if err != nil {
		return nil, err
	}
	if f.cfg.Postgres.Migrate {
		if err := postgres.Migrate(pool, postgres.SchemaGraph); err != nil {
			return nil, err
		}
	}

	f.graphPool = pool
	return pool, nil
}

func (f *Factory) connect(ctx context.Context, name, dsn string) (*pgxpool.Pool, error) {
	var (
		pool *pgxpool.Pool
		err  error
	)

	for i := 0; i < 5; i++ {
		pool, err = postgres.NewClient(ctx, postgres.Config{DSN: dsn})
		if err == nil {
			return pool, nil
		}
		f.log.Warn("database not reachable, retrying", "db", name, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("failed to init %s after retries: %w", name, err)
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr:     f.cfg.Redis.Addr,
		Password: f.cfg.Redis.Password,
		DB:       f.cfg.Redis.DB,
		Timeout:  f.cfg.Redis.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

// Idempotency returns the store selected by IDEMPOTENCY_BACKEND.
func (f *Factory) Idempotency(ctx context.Context) (idempotency.Store, error) {
	if f.cfg.Idempotency.Backend == "postgres" {
		pool, err := f.Postgres(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewIdempotencyRepository(pool), nil
	}

	client, err := f.Redis(ctx)
	if err != nil {
		return nil, err
	}
	return redis.NewIdempotencyStore(client), nil
}

// Producer returns the Kafka writer for topic, shared by every caller.
func (f *Factory) Producer(topic string) *kafka.Producer {
	if p, ok := f.producers[topic]; ok {
		return p
	}
	p := kafka.NewProducer(kafka.Config{
		Brokers: f.cfg.Kafka.Brokers,
		Topic:   topic,
	})
	f.producers[topic] = p
	return p
}

func (f *Factory) Close() {
	for topic, p := range f.producers {
		if err := p.Close(); err != nil {
			f.log.Warn("close kafka producer", "topic", topic, "error", err)
		}
	}
	if f.graphPool != nil && f.graphPool != f.pgPool {
		f.graphPool.Close()
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
}
