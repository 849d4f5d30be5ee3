package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entitlements/internal/domain/entitlement"
	"entitlements/internal/relationship"
)

type AccessDTO struct {
	HasAccess     bool   `json:"hasAccess"`
	EntitlementID string `json:"entitlementId,omitempty"`
}

// AccessGraph answers relationship queries.
type AccessGraph interface {
	CheckEntitlement(ctx context.Context, actorID, subjectID string) (*relationship.EntitlementSummary, error)
}

type CheckAccess struct {
	graph AccessGraph
	ents  entitlement.Repository
	log   *slog.Logger
	now   func() time.Time
}

func NewCheckAccess(graph AccessGraph, ents entitlement.Repository, log *slog.Logger) *CheckAccess {
	return &CheckAccess{graph: graph, ents: ents, log: log, now: time.Now}
}

// Execute answers from the relationship graph and confirms the edge against the
// entitlement it points at, so a revocation the graph has not caught up with yet
// is not reported as access. When the graph is unreachable the entitlement table
// answers alone.
func (uc *CheckAccess) Execute(ctx context.Context, actorID, subjectID string) (*AccessDTO, error) {
	now := uc.now().UTC()

	summary, err := uc.graph.CheckEntitlement(ctx, actorID, subjectID)
	if err != nil {
		uc.log.Warn("relationship graph unavailable, falling back to entitlement store",
			"actor_id", actorID, "subject_id", subjectID, "error", err)
		return uc.fromStore(ctx, actorID, subjectID, now)
	}
	if summary == nil {
		return &AccessDTO{}, nil
	}

	ent, err := uc.ents.GetByID(ctx, summary.EntitlementID)
	if errors.Is(err, entitlement.ErrNotFound) {
		return &AccessDTO{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	if !ent.Usable(now) {
		return uc.fromStore(ctx, actorID, subjectID, now)
	}
	return &AccessDTO{HasAccess: true, EntitlementID: ent.ID}, nil
}

func (uc *CheckAccess) fromStore(ctx context.Context, actorID, subjectID string, now time.Time) (*AccessDTO, error) {
	ent, err := uc.ents.FindActive(ctx, actorID, subjectID, now)
	if errors.Is(err, entitlement.ErrNotFound) {
		return &AccessDTO{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active entitlement: %w", err)
	}
	return &AccessDTO{HasAccess: true, EntitlementID: ent.ID}, nil
}
