package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyRepository reserves event ids in the idempotency_keys table. An
// expired key is taken over by the next reservation.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

func (r *IdempotencyRepository) Reserve(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	const query = `
		INSERT INTO idempotency_keys (event_id, reserved_at, expires_at)
		VALUES ($1, NOW(), NOW() + make_interval(secs => $2))
		ON CONFLICT (event_id) DO UPDATE
			SET reserved_at = EXCLUDED.reserved_at, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= NOW()
	`

	tag, err := r.pool.Exec(ctx, query, eventID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("reserve event %s: %w", eventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, eventID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("release event %s: %w", eventID, err)
	}
	return nil
}

// DeleteExpired removes keys past their TTL.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
