// Package token issues and verifies entitlement capability tokens.
//
// Tokens are RS256 JWTs. They are never stored: verification re-reads the
// entitlement, so revoking the entitlement invalidates every token minted from it
// without a blacklist.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlements/internal/domain/entitlement"

	"github.com/golang-jwt/jwt/v5"
)

// ClockSkew is tolerated on both exp checks.
const ClockSkew = 60 * time.Second

var (
	ErrMalformed = errors.New("token malformed")
	ErrExpired   = errors.New("token expired")
	ErrRevoked   = errors.New("token revoked")
)

// Kind names a token error for API responses.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	}
	return ""
}

// Claim is what a verified token proves.
type Claim struct {
	EntitlementID string    `json:"entitlementId"`
	ActorID       string    `json:"actorId"`
	SubjectID     string    `json:"subjectId"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Issued is a freshly signed token.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// EntitlementStore is the slice of the entitlement repository the service needs.
type EntitlementStore interface {
	GetByID(ctx context.Context, id string) (*entitlement.Entitlement, error)
	Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error)
}

type entitlementClaims struct {
	EntitlementID string `json:"entitlement_id"`
	ActorID       string `json:"actor_id"`
	SubjectID     string `json:"subject_id"`
	jwt.RegisteredClaims
}

type Service struct {
	keys   *KeyPair
	store  EntitlementStore
	issuer string
	now    func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

func NewService(keys *KeyPair, store EntitlementStore, opts ...Option) *Service {
	s := &Service{
		keys:   keys,
		store:  store,
		issuer: "entitlements",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) PublicJWKs() []map[string]any {
	return s.keys.PublicJWKs()
}

// Issue signs {entitlementID, actorID, subjectID, exp=now+lifetime}.
func (s *Service) Issue(entitlementID, actorID, subjectID string, lifetime time.Duration) (Issued, error) {
	if entitlementID == "" || actorID == "" || subjectID == "" {
		return Issued{}, errors.New("token: entitlement, actor and subject are required")
	}
	if lifetime <= 0 {
		return Issued{}, errors.New("token: lifetime must be positive")
	}
	if s.keys == nil || s.keys.Private == nil {
		return Issued{}, errors.New("token: signing key not configured")
	}

	now := s.now().UTC()
	exp := now.Add(lifetime).Truncate(time.Second)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, entitlementClaims{
		EntitlementID: entitlementID,
		ActorID:       actorID,
		SubjectID:     subjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	tok.Header["kid"] = s.keys.ID

	signed, err := tok.SignedString(s.keys.Private)
	if err != nil {
		return Issued{}, fmt.Errorf("sign token: %w", err)
	}
	return Issued{Token: signed, ExpiresAt: exp}, nil
}

// Verify checks the signature and exp, then the current state of the referenced
// entitlement. Errors other than ErrMalformed, ErrExpired and ErrRevoked come from
// the entitlement store.
func (s *Service) Verify(ctx context.Context, raw string) (Claim, error) {
	now := s.now().UTC()

	parsed, err := jwt.ParseWithClaims(raw, &entitlementClaims{}, func(t *jwt.Token) (any, error) {
		return s.keys.Public, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claim{}, ErrExpired
		}
		return Claim{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	claims, ok := parsed.Claims.(*entitlementClaims)
	if !ok || !parsed.Valid || claims.EntitlementID == "" || claims.ActorID == "" || claims.SubjectID == "" {
		return Claim{}, ErrMalformed
	}

	ent, err := s.store.GetByID(ctx, claims.EntitlementID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return Claim{}, ErrRevoked
		}
		return Claim{}, fmt.Errorf("load entitlement: %w", err)
	}
	if ent.ActorID != claims.ActorID || ent.SubjectID != claims.SubjectID {
		return Claim{}, fmt.Errorf("%w: claim does not match entitlement", ErrMalformed)
	}
	if ent.Status != entitlement.StatusActive {
		return Claim{}, ErrRevoked
	}
	if now.After(ent.ExpiresAt.Add(ClockSkew)) {
		return Claim{}, ErrExpired
	}

	return Claim{
		EntitlementID: claims.EntitlementID,
		ActorID:       claims.ActorID,
		SubjectID:     claims.SubjectID,
		ExpiresAt:     claims.ExpiresAt.Time.UTC(),
	}, nil
}

// Revoke flips the entitlement to REVOKED. Outstanding token strings need no
// bookkeeping because Verify re-reads the status. Revoking an already revoked
// entitlement reports false and no error.
func (s *Service) Revoke(ctx context.Context, entitlementID, reason string) (bool, error) {
	revoked, err := s.store.Revoke(ctx, entitlementID, reason, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("revoke entitlement %s: %w", entitlementID, err)
	}
	return revoked, nil
}
