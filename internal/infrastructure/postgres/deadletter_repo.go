package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlements/internal/domain/deadletter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const deadLetterColumns = `
	event_id, event_type, raw_payload, signature, last_error,
	attempt_count, first_seen_at, last_failed_at, replayed_at`

type DeadLetterRepository struct {
	pool *pgxpool.Pool
}

func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

func (r *DeadLetterRepository) Put(ctx context.Context, rec *deadletter.Record) error {
	const sql = `
		INSERT INTO dead_letters (` + deadLetterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
		ON CONFLICT (event_id) DO UPDATE SET
			event_type     = EXCLUDED.event_type,
			raw_payload    = EXCLUDED.raw_payload,
			signature      = EXCLUDED.signature,
			last_error     = EXCLUDED.last_error,
			attempt_count  = dead_letters.attempt_count + EXCLUDED.attempt_count,
			last_failed_at = EXCLUDED.last_failed_at,
			replayed_at    = NULL
	`

	_, err := conn(ctx, r.pool).Exec(ctx, sql,
		rec.EventID, rec.EventType, rec.RawPayload, rec.Signature, rec.LastError,
		rec.AttemptCount, rec.FirstSeenAt, rec.LastFailedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepository) Get(ctx context.Context, eventID string) (*deadletter.Record, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE event_id = $1`, eventID)
	rec, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, deadletter.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return rec, nil
}

func (r *DeadLetterRepository) ListPending(ctx context.Context, limit int) ([]*deadletter.Record, error) {
	const sql = `SELECT ` + deadLetterColumns + `
		FROM dead_letters
		WHERE replayed_at IS NULL
		ORDER BY first_seen_at ASC
		LIMIT $1
	`

	rows, err := conn(ctx, r.pool).Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*deadletter.Record
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, eventID string, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE dead_letters SET replayed_at = $2 WHERE event_id = $1`, eventID, at)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return deadletter.ErrNotFound
	}
	return nil
}

func (r *DeadLetterRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM dead_letters WHERE last_failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDeadLetter(row pgx.Row) (*deadletter.Record, error) {
	var rec deadletter.Record
	if err := row.Scan(
		&rec.EventID, &rec.EventType, &rec.RawPayload, &rec.Signature, &rec.LastError,
		&rec.AttemptCount, &rec.FirstSeenAt, &rec.LastFailedAt, &rec.ReplayedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
