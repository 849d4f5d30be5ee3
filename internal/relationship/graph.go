package relationship

import (
	"context"
	"time"
)

// Edge statuses mirror entitlement statuses.
const (
	EdgeActive  = "ACTIVE"
	EdgeRevoked = "REVOKED"
)

// HoldsLabel is the label of actor → subject edges.
const HoldsLabel = "HOLDS"

// Edge is a directed actor -[HOLDS]-> subject relationship.
type Edge struct {
	EntitlementID string
	ActorID       string
	SubjectID     string
	Status        string
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	RevokedAt     *time.Time
}

// GraphStore is the narrow interface to the secondary relationship store.
type GraphStore interface {
	// UpsertHolds writes both nodes and the edge atomically. An edge that is
	// already REVOKED stays revoked.
	UpsertHolds(ctx context.Context, e Edge) error
	// MarkRevoked flips the edge status and reports whether an edge existed.
	MarkRevoked(ctx context.Context, entitlementID string, at time.Time) (bool, error)
	// FindActive returns the newest ACTIVE edge between actor and subject, or nil.
	FindActive(ctx context.Context, actorID, subjectID string) (*Edge, error)
	// Get returns the edge for an entitlement, or nil.
	Get(ctx context.Context, entitlementID string) (*Edge, error)
}
