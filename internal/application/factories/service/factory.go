package service

import (
	"context"
	"fmt"
	"log/slog"

	"entitlements/internal/application/factories/infrastructure"
	"entitlements/internal/config"
	"entitlements/internal/domain/idempotency"
	"entitlements/internal/infrastructure/kafka"
	"entitlements/internal/infrastructure/postgres"
	"entitlements/internal/notify"
	"entitlements/internal/processor"
	"entitlements/internal/relationship"
	"entitlements/internal/signature"
	"entitlements/internal/token"
)

// Services is the processing core shared by cmd/api and cmd/worker.
type Services struct {
	Processor    *processor.Processor
	Tokens       *token.Service
	Graph        *relationship.Sync
	Idempotency  idempotency.Store
	Entitlements *postgres.EntitlementRepository
	Inbox        *postgres.InboxRepository
	DeadLetters  *postgres.DeadLetterRepository
}

// LoadKeys reads the signing key pair, or generates a throwaway one when no key
// path is configured.
func LoadKeys(cfg *config.Config, log *slog.Logger) (*token.KeyPair, error) {
	if cfg.Token.PrivateKeyPath != "" {
		keys, err := token.LoadKeyPair(cfg.Token.KeyID, cfg.Token.PrivateKeyPath, cfg.Token.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load token keys: %w", err)
		}
		return keys, nil
	}

	log.Warn("TOKEN_PRIVATE_KEY_PATH not set, generating an ephemeral signing key")
	keys, err := token.GenerateKeyPair(cfg.Token.KeyID, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate token keys: %w", err)
	}
	return keys, nil
}

// Build wires repositories, stores and the processor. keys may be nil when the
// caller never signs tokens.
func Build(ctx context.Context, infra *infrastructure.Factory, cfg *config.Config, keys *token.KeyPair, log *slog.Logger) (*Services, error) {
	pool, err := infra.Postgres(ctx)
	if err != nil {
		return nil, err
	}
	graphPool, err := infra.Graph(ctx)
	if err != nil {
		return nil, err
	}
	keyStore, err := infra.Idempotency(ctx)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Idempotency:  keyStore,
		Entitlements: postgres.NewEntitlementRepository(pool),
		Inbox:        postgres.NewInboxRepository(pool),
		DeadLetters:  postgres.NewDeadLetterRepository(pool),
		Graph:        relationship.NewSync(postgres.NewGraphRepository(graphPool), cfg.Graph.Timeout),
	}
	s.Tokens = token.NewService(keys, s.Entitlements, token.WithIssuer(cfg.Token.Issuer))

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.Kafka.Enabled {
		notifier = kafka.NewNotifier(infra.Producer(cfg.Kafka.NotificationsTopic))
	}

	s.Processor = processor.New(processor.Deps{
		Verifier:     signature.NewVerifier(cfg.Webhook.Secret),
		Idempotency:  keyStore,
		Tx:           postgres.NewTxManager(pool),
		Entitlements: s.Entitlements,
		Inbox:        s.Inbox,
		Tokens:       s.Tokens,
		Graph:        s.Graph,
		Notifier:     notifier,
		DeadLetters:  s.DeadLetters,
		Logger:       log,
	}, processor.Config{
		IdempotencyTTL:      cfg.Idempotency.TTL,
		EntitlementLifetime: cfg.Entitlement.Lifetime,
		MaxAttempts:         cfg.Retry.MaxAttempts,
		BackoffBase:         cfg.Retry.BaseDelay,
		BackoffCap:          cfg.Retry.MaxDelay,
		CallTimeout:         cfg.Processor.CallTimeout,
	})

	return s, nil
}
