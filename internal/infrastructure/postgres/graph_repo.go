package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entitlements/internal/relationship"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const edgeColumns = `
	entitlement_id, actor_id, subject_id, status, metadata,
	created_at, updated_at, revoked_at`

// GraphRepository stores the relationship graph as node and edge tables. It
// takes its own pool because the graph may live in another database, and never
// joins the entitlement transaction.
type GraphRepository struct {
	pool *pgxpool.Pool
}

func NewGraphRepository(pool *pgxpool.Pool) *GraphRepository {
	return &GraphRepository{pool: pool}
}

func (r *GraphRepository) UpsertHolds(ctx context.Context, e relationship.Edge) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode edge metadata: %w", err)
	}
	if e.Metadata == nil {
		metadata = []byte("{}")
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const nodes = `
			INSERT INTO graph_nodes (kind, id, created_at)
			VALUES ('actor', $1, $3), ('subject', $2, $3)
			ON CONFLICT (kind, id) DO NOTHING
		`
		if _, err := tx.Exec(ctx, nodes, e.ActorID, e.SubjectID, e.CreatedAt); err != nil {
			return fmt.Errorf("upsert graph nodes: %w", err)
		}

		const edge = `
			INSERT INTO graph_edges (entitlement_id, label, actor_id, subject_id, status, metadata,
				created_at, updated_at, revoked_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
				CASE WHEN $5 = 'REVOKED' THEN COALESCE($9, $8) END)
			ON CONFLICT (entitlement_id) DO UPDATE SET
				metadata   = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
		`
		_, err := tx.Exec(ctx, edge,
			e.EntitlementID, relationship.HoldsLabel, e.ActorID, e.SubjectID, e.Status, metadata,
			e.CreatedAt, e.UpdatedAt, e.RevokedAt)
		if err != nil {
			return fmt.Errorf("upsert graph edge: %w", err)
		}
		return nil
	})
}

func (r *GraphRepository) MarkRevoked(ctx context.Context, entitlementID string, at time.Time) (bool, error) {
	const sql = `
		UPDATE graph_edges
		SET status     = 'REVOKED',
		    revoked_at = COALESCE(revoked_at, $2),
		    updated_at = CASE WHEN status = 'REVOKED' THEN updated_at ELSE $2 END
		WHERE entitlement_id = $1
	`

	tag, err := r.pool.Exec(ctx, sql, entitlementID, at)
	if err != nil {
		return false, fmt.Errorf("revoke graph edge: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *GraphRepository) FindActive(ctx context.Context, actorID, subjectID string) (*relationship.Edge, error) {
	const sql = `SELECT ` + edgeColumns + `
		FROM graph_edges
		WHERE actor_id = $1 AND subject_id = $2 AND status = 'ACTIVE' AND label = 'HOLDS'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.one(ctx, "find active edge", sql, actorID, subjectID)
}

func (r *GraphRepository) Get(ctx context.Context, entitlementID string) (*relationship.Edge, error) {
	return r.one(ctx, "get edge", `SELECT `+edgeColumns+` FROM graph_edges WHERE entitlement_id = $1`, entitlementID)
}

func (r *GraphRepository) one(ctx context.Context, op, sql string, args ...any) (*relationship.Edge, error) {
	var (
		e        relationship.Edge
		metadata []byte
	)
	err := r.pool.QueryRow(ctx, sql, args...).Scan(
		&e.EntitlementID, &e.ActorID, &e.SubjectID, &e.Status, &metadata,
		&e.CreatedAt, &e.UpdatedAt, &e.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("%s: decode metadata: %w", op, err)
		}
	}
	return &e, nil
}
