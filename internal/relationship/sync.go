// Package relationship keeps the "actor holds entitlement for subject" graph in
// step with the entitlement table. The graph is a derived view: the entitlement
// table stays the source of truth and Reconcile repairs drift.
package relationship

import (
	"context"
	"fmt"
	"time"

	"entitlements/internal/domain/entitlement"
)

// SyncError reports a failed graph operation. Sync never retries; callers decide.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("relationship %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// EntitlementSummary answers "does actor hold subject" without a token.
type EntitlementSummary struct {
	EntitlementID string    `json:"entitlementId"`
	ActorID       string    `json:"actorId"`
	SubjectID     string    `json:"subjectId"`
	Since         time.Time `json:"since"`
}

type Sync struct {
	store   GraphStore
	timeout time.Duration
	now     func() time.Time
}

func NewSync(store GraphStore, timeout time.Duration) *Sync {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sync{store: store, timeout: timeout, now: time.Now}
}

// RecordEntitlement upserts actor, subject and the HOLDS edge in one graph
// transaction.
func (s *Sync) RecordEntitlement(ctx context.Context, actorID, subjectID, entitlementID string, metadata map[string]string) error {
	return s.upsert(ctx, "record", Edge{
		EntitlementID: entitlementID,
		ActorID:       actorID,
		SubjectID:     subjectID,
		Status:        EdgeActive,
		Metadata:      metadata,
	})
}

// RevokeEntitlement marks the edge revoked, keeping it for history. A missing
// edge is left to reconciliation.
func (s *Sync) RevokeEntitlement(ctx context.Context, entitlementID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.store.MarkRevoked(ctx, entitlementID, s.now().UTC()); err != nil {
		return &SyncError{Op: "revoke", Err: err}
	}
	return nil
}

// CheckEntitlement returns the active relationship between actor and subject,
// or nil when there is none.
func (s *Sync) CheckEntitlement(ctx context.Context, actorID, subjectID string) (*EntitlementSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	edge, err := s.store.FindActive(ctx, actorID, subjectID)
	if err != nil {
		return nil, &SyncError{Op: "check", Err: err}
	}
	if edge == nil {
		return nil, nil
	}
	return &EntitlementSummary{
		EntitlementID: edge.EntitlementID,
		ActorID:       edge.ActorID,
		SubjectID:     edge.SubjectID,
		Since:         edge.CreatedAt,
	}, nil
}

// Reconcile makes the edge for ent match ent.Status. It reports whether a write
// was needed.
func (s *Sync) Reconcile(ctx context.Context, ent *entitlement.Entitlement) (bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	edge, err := s.store.Get(lookupCtx, ent.ID)
	cancel()
	if err != nil {
		return false, &SyncError{Op: "reconcile", Err: err}
	}

	want := EdgeActive
	if ent.Status == entitlement.StatusRevoked {
		want = EdgeRevoked
	}

	switch {
	case edge == nil:
		e := Edge{
			EntitlementID: ent.ID,
			ActorID:       ent.ActorID,
			SubjectID:     ent.SubjectID,
			Status:        want,
			Metadata:      Metadata(ent),
			RevokedAt:     ent.RevokedAt,
		}
		if err := s.upsert(ctx, "reconcile", e); err != nil {
			return false, err
		}
		return true, nil
	case edge.Status != want && want == EdgeRevoked:
		if err := s.RevokeEntitlement(ctx, ent.ID); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Sync) upsert(ctx context.Context, op string, e Edge) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := s.store.UpsertHolds(ctx, e); err != nil {
		return &SyncError{Op: op, Err: err}
	}
	return nil
}

// Metadata is what the edge carries about its entitlement.
func Metadata(ent *entitlement.Entitlement) map[string]string {
	return map[string]string{
		"source_event_id": ent.SourceEventID,
		"expires_at":      ent.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
