package postgres

import (
	"context"
	"fmt"

	"entitlements/internal/domain/inbox"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InboxRepository is the durable log of completed events.
type InboxRepository struct {
	pool *pgxpool.Pool
}

func NewInboxRepository(pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{pool: pool}
}

func (r *InboxRepository) Append(ctx context.Context, e *inbox.Event) error {
	const query = `
		INSERT INTO processed_events (event_id, event_type, actor_id, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`

	if _, err := conn(ctx, r.pool).Exec(ctx, query, e.EventID, e.EventType, e.ActorID, e.ProcessedAt); err != nil {
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}

func (r *InboxRepository) Contains(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query processed event: %w", err)
	}
	return exists, nil
}

// ListRecent returns the newest processed events, newest first.
func (r *InboxRepository) ListRecent(ctx context.Context, limit int) ([]*inbox.Event, error) {
	const query = `
		SELECT event_id, event_type, actor_id, processed_at
		FROM processed_events
		ORDER BY processed_at DESC
		LIMIT $1
	`

	rows, err := conn(ctx, r.pool).Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query processed events: %w", err)
	}
	defer rows.Close()

	var events []*inbox.Event
	for rows.Next() {
		e := &inbox.Event{}
		if err := rows.Scan(&e.EventID, &e.EventType, &e.ActorID, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan processed event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
