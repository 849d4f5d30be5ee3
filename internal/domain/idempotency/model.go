package idempotency

import (
	"context"
	"time"
)

// Record marks an event id as taken. It expires after the TTL given to Reserve.
type Record struct {
	EventID    string    `json:"eventId"`
	ReservedAt time.Time `json:"reservedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store is the gate in front of every side effect. An unreachable store is an
// error, never an implicit "go ahead".
type Store interface {
	// Reserve atomically claims eventID for ttl. It returns false when the id is
	// already claimed by an in-flight or completed delivery.
	Reserve(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, eventID string) error
}
