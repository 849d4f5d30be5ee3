package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idempotency:event:"

// IdempotencyStore reserves event ids with SET NX and a TTL.
type IdempotencyStore struct {
	client *redis.Client
}

func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

func Key(eventID string) string {
	return keyPrefix + eventID
}

func (s *IdempotencyStore) Reserve(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, Key(eventID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve event %s: %w", eventID, err)
	}
	return ok, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, Key(eventID)).Err(); err != nil {
		return fmt.Errorf("release event %s: %w", eventID, err)
	}
	return nil
}
