package deadletter

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("dead letter not found")

// Record is an event that exhausted its retries.
type Record struct {
	EventID      string     `json:"eventId"`
	EventType    string     `json:"eventType"`
	RawPayload   []byte     `json:"rawPayload"`
	Signature    string     `json:"signature"`
	LastError    string     `json:"lastError"`
	AttemptCount int        `json:"attemptCount"`
	FirstSeenAt  time.Time  `json:"firstSeenAt"`
	LastFailedAt time.Time  `json:"lastFailedAt"`
	ReplayedAt   *time.Time `json:"replayedAt,omitempty"`
}

type Sink interface {
	// Put stores r. Dead-lettering the same event again accumulates AttemptCount,
	// keeps FirstSeenAt and clears ReplayedAt.
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, eventID string) (*Record, error)
	// ListPending returns records not yet replayed, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Record, error)
	MarkReplayed(ctx context.Context, eventID string, at time.Time) error
	// Purge deletes records last failed before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}
