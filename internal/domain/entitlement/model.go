package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
)

var (
	ErrNotFound    = errors.New("entitlement not found")
	ErrNotEntitled = errors.New("no active entitlement")
)

// Entitlement records that an actor was granted access to a subject by a purchase.
// Rows are append-only: revocation flips Status, nothing is ever deleted.
type Entitlement struct {
	ID            string     `json:"entitlementId"`
	ActorID       string     `json:"actorId"`
	SubjectID     string     `json:"subjectId"`
	SourceEventID string     `json:"sourceEventId"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	RevokedReason string     `json:"revokedReason,omitempty"`
}

func New(actorID, subjectID, sourceEventID string, now time.Time, lifetime time.Duration) *Entitlement {
	now = now.UTC().Truncate(time.Second)
	return &Entitlement{
		ID:            uuid.New().String(),
		ActorID:       actorID,
		SubjectID:     subjectID,
		SourceEventID: sourceEventID,
		Status:        StatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(lifetime),
	}
}

// Usable reports whether the entitlement still grants access at now.
func (e *Entitlement) Usable(now time.Time) bool {
	return e.Status == StatusActive && now.Before(e.ExpiresAt)
}

// Repository persists entitlements. Implementations join the transaction carried
// by ctx when there is one.
type Repository interface {
	// Create inserts e unless (SourceEventID, SubjectID) already exists.
	// It reports whether a row was inserted.
	Create(ctx context.Context, e *Entitlement) (bool, error)
	GetByID(ctx context.Context, id string) (*Entitlement, error)
	FindActive(ctx context.Context, actorID, subjectID string, now time.Time) (*Entitlement, error)
	// ListBySourceEvent returns every entitlement created by sourceEventID. Inside a
	// transaction the rows are locked until commit.
	ListBySourceEvent(ctx context.Context, sourceEventID string) ([]*Entitlement, error)
	// Revoke flips an ACTIVE entitlement to REVOKED and reports whether it did.
	Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error)
	// ListAfter pages through all entitlements ordered by id.
	ListAfter(ctx context.Context, afterID string, limit int) ([]*Entitlement, error)
}
