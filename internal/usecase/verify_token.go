package usecase

import (
	"context"

	"entitlements/internal/token"
)

type VerifyToken struct {
	tokens *token.Service
}

func NewVerifyToken(tokens *token.Service) *VerifyToken {
	return &VerifyToken{tokens: tokens}
}

func (uc *VerifyToken) Execute(ctx context.Context, raw string) (token.Claim, error) {
	if raw == "" {
		return token.Claim{}, token.ErrMalformed
	}
	return uc.tokens.Verify(ctx, raw)
}
