package inbox

import (
	"context"
	"time"
)

// Event is the durable record of a commerce event that finished processing.
// Unlike idempotency keys it never expires, so a late refund can still tell
// whether its purchase was handled.
type Event struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	ActorID     string    `json:"actorId"`
	ProcessedAt time.Time `json:"processedAt"`
}

type Log interface {
	// Append records e; appending an already known event id is a no-op.
	Append(ctx context.Context, e *Event) error
	Contains(ctx context.Context, eventID string) (bool, error)
}
