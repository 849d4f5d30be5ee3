package token_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"entitlements/internal/domain/entitlement"
	"entitlements/internal/infrastructure/memory"
	"entitlements/internal/token"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	primaryKeys = sync.OnceValues(func() (*token.KeyPair, error) {
		return token.GenerateKeyPair("primary", 2048)
	})
	otherKeys = sync.OnceValues(func() (*token.KeyPair, error) {
		return token.GenerateKeyPair("other", 2048)
	})
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*token.Service, *memory.EntitlementRepository, *entitlement.Entitlement, *clock) {
	t.Helper()

	keys, err := primaryKeys()
	require.NoError(t, err)

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ents := memory.NewEntitlementRepository()
	ent := entitlement.New("u1", "p1", "evt-1", clk.Now(), 24*time.Hour)
	created, err := ents.Create(context.Background(), ent)
	require.NoError(t, err)
	require.True(t, created)

	return token.NewService(keys, ents, token.WithClock(clk.Now)), ents, ent, clk
}

func TestIssueAndVerify(t *testing.T) {
	svc, _, ent, clk := setup(t)

	issued, err := svc.Issue(ent.ID, ent.ActorID, ent.SubjectID, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(15*time.Minute), issued.ExpiresAt)

	claim, err := svc.Verify(context.Background(), issued.Token)
	require.NoError(t, err)
	assert.Equal(t, ent.ID, claim.EntitlementID)
	assert.Equal(t, "u1", claim.ActorID)
	assert.Equal(t, "p1", claim.SubjectID)
	assert.True(t, issued.ExpiresAt.Equal(claim.ExpiresAt))
}

func TestIssueValidatesInput(t *testing.T) {
	svc, _, ent, _ := setup(t)

	_, err := svc.Issue("", ent.ActorID, ent.SubjectID, time.Minute)
	assert.Error(t, err)
	_, err = svc.Issue(ent.ID, ent.ActorID, ent.SubjectID, 0)
	assert.Error(t, err)

	_, err = token.NewService(nil, nil).Issue(ent.ID, ent.ActorID, ent.SubjectID, time.Minute)
	assert.Error(t, err)
}

func TestVerifyAfterRevoke(t *testing.T) {
	svc, _, ent, _ := setup(t)

	issued, err := svc.Issue(ent.ID, ent.ActorID, ent.SubjectID, time.Hour)
	require.NoError(t, err)

	revoked, err := svc.Revoke(context.Background(), ent.ID, "refund")
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = svc.Verify(context.Background(), issued.Token)
	assert.ErrorIs(t, err, token.ErrRevoked)
	assert.Equal(t, "revoked", token.Kind(err))

	revoked, err = svc.Revoke(context.Background(), ent.ID, "refund")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeUnknownEntitlement(t *testing.T) {
	svc, _, _, _ := setup(t)

	_, err := svc.Revoke(context.Background(), "00000000-0000-0000-0000-000000000000", "refund")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}

func TestVerifyExpiryHonoursClockSkew(t *testing.T) {
	svc, _, ent, clk := setup(t)

	issued, err := svc.Issue(ent.ID, ent.ActorID, ent.SubjectID, time.Minute)
	require.NoError(t, err)

	clk.Advance(time.Minute + token.ClockSkew/2)
	_, err = svc.Verify(context.Background(), issued.Token)
	require.NoError(t, err)

	clk.Advance(token.ClockSkew)
	_, err = svc.Verify(context.Background(), issued.Token)
	assert.ErrorIs(t, err, token.ErrExpired)
	assert.Equal(t, "expired", token.Kind(err))
}

func TestVerifyExpiredEntitlement(t *testing.T) {
	svc, _, ent, clk := setup(t)

	// Issued directly with a lifetime past the entitlement's own expiry.
	issued, err := svc.Issue(ent.ID, ent.ActorID, ent.SubjectID, 48*time.Hour)
	require.NoError(t, err)

	clk.Advance(24*time.Hour + 2*token.ClockSkew)
	_, err = svc.Verify(context.Background(), issued.Token)
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestVerifyRejectsForeignAndTamperedTokens(t *testing.T) {
	svc, ents, ent, clk := setup(t)

	other, err := otherKeys()
	require.NoError(t, err)
	foreign, err := token.NewService(other, ents, token.WithClock(clk.Now)).Issue(ent.ID, ent.ActorID, ent.SubjectID, time.Hour)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), foreign.Token)
	assert.ErrorIs(t, err, token.ErrMalformed)

	issued, err := svc.Issue(ent.ID, ent.ActorID, ent.SubjectID, time.Hour)
	require.NoError(t, err)
	tampered := issued.Token[:len(issued.Token)-4] + "AAAA"
	if tampered == issued.Token {
		tampered = issued.Token[:len(issued.Token)-4] + "BBBB"
	}
	_, err = svc.Verify(context.Background(), tampered)
	assert.ErrorIs(t, err, token.ErrMalformed)

	_, err = svc.Verify(context.Background(), "garbage")
	assert.ErrorIs(t, err, token.ErrMalformed)
	assert.Equal(t, "malformed", token.Kind(err))
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	svc, _, ent, clk := setup(t)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"entitlement_id": ent.ID,
		"actor_id":       ent.ActorID,
		"subject_id":     ent.SubjectID,
		"exp":            clk.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), unsigned)
	assert.ErrorIs(t, err, token.ErrMalformed)
}

func TestVerifyClaimMustMatchEntitlement(t *testing.T) {
	svc, _, ent, _ := setup(t)

	issued, err := svc.Issue(ent.ID, "someone-else", ent.SubjectID, time.Hour)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), issued.Token)
	assert.ErrorIs(t, err, token.ErrMalformed)
}

func TestVerifyUnknownEntitlementIsRevoked(t *testing.T) {
	svc, _, ent, _ := setup(t)

	issued, err := svc.Issue("7d4f5a9e-0000-4000-8000-000000000000", ent.ActorID, ent.SubjectID, time.Hour)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), issued.Token)
	assert.ErrorIs(t, err, token.ErrRevoked)
}

type brokenStore struct{}

func (brokenStore) GetByID(context.Context, string) (*entitlement.Entitlement, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) Revoke(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func TestVerifyStoreFailureIsNotATokenError(t *testing.T) {
	keys, err := primaryKeys()
	require.NoError(t, err)
	svc := token.NewService(keys, brokenStore{})

	issued, err := svc.Issue("e1", "u1", "p1", time.Hour)
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), issued.Token)
	require.Error(t, err)
	assert.Empty(t, token.Kind(err))
}

func TestPublicJWKs(t *testing.T) {
	keys, err := primaryKeys()
	require.NoError(t, err)

	jwks := keys.PublicJWKs()
	require.Len(t, jwks, 1)
	assert.Equal(t, "primary", jwks[0]["kid"])
	assert.Equal(t, "RS256", jwks[0]["alg"])
	assert.Equal(t, "AQAB", jwks[0]["e"])
}
