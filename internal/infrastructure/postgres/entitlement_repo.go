package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlements/internal/domain/entitlement"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entitlementColumns = `
	id::text, actor_id, subject_id, source_event_id, status,
	created_at, expires_at, revoked_at, COALESCE(revoked_reason, '')`

type EntitlementRepository struct {
	pool *pgxpool.Pool
}

func NewEntitlementRepository(pool *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{pool: pool}
}

func (r *EntitlementRepository) Create(ctx context.Context, e *entitlement.Entitlement) (bool, error) {
	const sql = `
		INSERT INTO entitlements (
			id, actor_id, subject_id, source_event_id, status,
			created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_event_id, subject_id) DO NOTHING
	`

	tag, err := conn(ctx, r.pool).Exec(ctx, sql,
		e.ID, e.ActorID, e.SubjectID, e.SourceEventID, string(e.Status),
		e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("insert entitlement: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *EntitlementRepository) GetByID(ctx context.Context, id string) (*entitlement.Entitlement, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, entitlement.ErrNotFound
	}

	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1`, id)
	e, err := scanEntitlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement by id: %w", err)
	}
	return e, nil
}

func (r *EntitlementRepository) FindActive(ctx context.Context, actorID, subjectID string, now time.Time) (*entitlement.Entitlement, error) {
	const sql = `SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE actor_id = $1 AND subject_id = $2 AND status = 'ACTIVE' AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	e, err := scanEntitlement(conn(ctx, r.pool).QueryRow(ctx, sql, actorID, subjectID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active entitlement: %w", err)
	}
	return e, nil
}

// ListBySourceEvent locks the rows FOR UPDATE when ctx carries a transaction,
// which serializes concurrent revocations of the same purchase.
func (r *EntitlementRepository) ListBySourceEvent(ctx context.Context, sourceEventID string) ([]*entitlement.Entitlement, error) {
	sql := `SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE source_event_id = $1
		ORDER BY created_at, id
	`
	if GetTx(ctx) != nil {
		sql += ` FOR UPDATE`
	}

	return r.query(ctx, "list entitlements by source event", sql, sourceEventID)
}

func (r *EntitlementRepository) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	const sql = `
		UPDATE entitlements
		SET status = 'REVOKED', revoked_at = $3, revoked_reason = $2
		WHERE id = $1 AND status = 'ACTIVE'
	`

	if _, err := uuid.Parse(id); err != nil {
		return false, entitlement.ErrNotFound
	}

	db := conn(ctx, r.pool)
	tag, err := db.Exec(ctx, sql, id, nullIfEmpty(reason), at)
	if err != nil {
		return false, fmt.Errorf("revoke entitlement: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM entitlements WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check entitlement: %w", err)
	}
	if !exists {
		return false, entitlement.ErrNotFound
	}
	return false, nil
}

// ListAfter pages by id, for reconciliation.
func (r *EntitlementRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]*entitlement.Entitlement, error) {
	const sql = `SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`
	if afterID == "" {
		afterID = uuid.Nil.String()
	}
	return r.query(ctx, "list entitlements", sql, afterID, limit)
}

func (r *EntitlementRepository) query(ctx context.Context, op, sql string, args ...any) ([]*entitlement.Entitlement, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*entitlement.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanEntitlement(row pgx.Row) (*entitlement.Entitlement, error) {
	var (
		e      entitlement.Entitlement
		status string
	)
	if err := row.Scan(
		&e.ID, &e.ActorID, &e.SubjectID, &e.SourceEventID, &status,
		&e.CreatedAt, &e.ExpiresAt, &e.RevokedAt, &e.RevokedReason,
	); err != nil {
		return nil, err
	}
	e.Status = entitlement.Status(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.ExpiresAt = e.ExpiresAt.UTC()
	if e.RevokedAt != nil {
		at := e.RevokedAt.UTC()
		e.RevokedAt = &at
	}
	return &e, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
