package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlements/internal/domain/entitlement"
	"entitlements/internal/token"
)

type TokenDTO struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type MintToken struct {
	ents     entitlement.Repository
	tokens   *token.Service
	lifetime time.Duration
	now      func() time.Time
}

func NewMintToken(ents entitlement.Repository, tokens *token.Service, lifetime time.Duration) *MintToken {
	if lifetime <= 0 {
		lifetime = 15 * time.Minute
	}
	return &MintToken{ents: ents, tokens: tokens, lifetime: lifetime, now: time.Now}
}

// Execute issues a token for the actor's active entitlement to subject. The
// token never outlives the entitlement.
func (uc *MintToken) Execute(ctx context.Context, actorID, subjectID string) (*TokenDTO, error) {
	now := uc.now().UTC()

	ent, err := uc.ents.FindActive(ctx, actorID, subjectID, now)
	if errors.Is(err, entitlement.ErrNotFound) {
		return nil, entitlement.ErrNotEntitled
	}
	if err != nil {
		return nil, fmt.Errorf("find active entitlement: %w", err)
	}

	lifetime := uc.lifetime
	if remaining := ent.ExpiresAt.Sub(now); remaining < lifetime {
		lifetime = remaining
	}
	if lifetime < time.Second {
		return nil, entitlement.ErrNotEntitled
	}

	issued, err := uc.tokens.Issue(ent.ID, ent.ActorID, ent.SubjectID, lifetime)
	if err != nil {
		return nil, err
	}
	return &TokenDTO{Token: issued.Token, ExpiresAt: issued.ExpiresAt}, nil
}
