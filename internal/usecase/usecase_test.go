package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"entitlements/internal/domain/deadletter"
	"entitlements/internal/domain/entitlement"
	"entitlements/internal/infrastructure/memory"
	"entitlements/internal/processor"
	"entitlements/internal/relationship"
	"entitlements/internal/signature"
	"entitlements/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_usecase"

var testKeys = sync.OnceValues(func() (*token.KeyPair, error) {
	return token.GenerateKeyPair("test-key", 2048)
})

type fixture struct {
	ents   *memory.EntitlementRepository
	graph  *memory.GraphStore
	sync   *relationship.Sync
	inbox  *memory.InboxLog
	dlq    *memory.DeadLetterSink
	tokens *token.Service
	proc   *processor.Processor
	log    *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := testKeys()
	require.NoError(t, err)

	f := &fixture{
		ents:  memory.NewEntitlementRepository(),
		graph: memory.NewGraphStore(),
		inbox: memory.NewInboxLog(),
		dlq:   memory.NewDeadLetterSink(),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	f.sync = relationship.NewSync(f.graph, time.Second)
	f.tokens = token.NewService(keys, f.ents)
	f.proc = processor.New(processor.Deps{
		Verifier:     signature.NewVerifier(secret),
		Idempotency:  memory.NewIdempotencyStore(),
		Tx:           memory.NewTransactor(),
		Entitlements: f.ents,
		Inbox:        f.inbox,
		Tokens:       f.tokens,
		Graph:        f.sync,
		Notifier:     memory.NewNotifier(),
		DeadLetters:  f.dlq,
		Logger:       f.log,
	}, processor.Config{MaxAttempts: 2, CallTimeout: time.Second},
		processor.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return f
}

func (f *fixture) process(t *testing.T, payload string) processor.Result {
	t.Helper()
	raw := []byte(payload)
	d, err := f.proc.Admit(raw, signature.SignHex(raw, []byte(secret)))
	require.NoError(t, err)
	return f.proc.Process(context.Background(), d)
}

const purchaseEvt1 = `{"eventId":"evt-1","eventType":"PURCHASE_COMPLETED","actorId":"u1",` +
	`"subjectRefs":[{"subjectId":"p1","attributes":{"entitlement_eligible":"true"}}]}`

const refundEvt2 = `{"eventId":"evt-2","eventType":"REFUND_ISSUED","actorId":"u1","sourceEventId":"evt-1"}`

func TestMintAndVerifyToken(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, processor.StateCompleted, f.process(t, purchaseEvt1).State)

	mint := NewMintToken(f.ents, f.tokens, 10*time.Minute)
	verify := NewVerifyToken(f.tokens)

	tok, err := mint.Execute(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), tok.ExpiresAt, 2*time.Second)

	claim, err := verify.Execute(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claim.ActorID)
	assert.Equal(t, "p1", claim.SubjectID)

	require.Equal(t, processor.StateCompleted, f.process(t, refundEvt2).State)

	_, err = verify.Execute(context.Background(), tok.Token)
	assert.ErrorIs(t, err, token.ErrRevoked)

	_, err = mint.Execute(context.Background(), "u1", "p1")
	assert.ErrorIs(t, err, entitlement.ErrNotEntitled)
}

func TestMintTokenNeverOutlivesEntitlement(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	ent := entitlement.New("u1", "p1", "evt-1", now.Add(-time.Hour), time.Hour+5*time.Minute)
	_, err := f.ents.Create(context.Background(), ent)
	require.NoError(t, err)

	mint := NewMintToken(f.ents, f.tokens, time.Hour)
	tok, err := mint.Execute(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.False(t, tok.ExpiresAt.After(ent.ExpiresAt))
}

func TestMintTokenWithoutEntitlement(t *testing.T) {
	f := newFixture(t)
	_, err := NewMintToken(f.ents, f.tokens, time.Minute).Execute(context.Background(), "u1", "p1")
	assert.ErrorIs(t, err, entitlement.ErrNotEntitled)
}

func TestVerifyEmptyToken(t *testing.T) {
	f := newFixture(t)
	_, err := NewVerifyToken(f.tokens).Execute(context.Background(), "")
	assert.ErrorIs(t, err, token.ErrMalformed)
}

func TestCheckAccess(t *testing.T) {
	f := newFixture(t)
	uc := NewCheckAccess(f.sync, f.ents, f.log)

	res, err := uc.Execute(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.False(t, res.HasAccess)

	require.Equal(t, processor.StateCompleted, f.process(t, purchaseEvt1).State)
	res, err = uc.Execute(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.True(t, res.HasAccess)
	assert.NotEmpty(t, res.EntitlementID)

	res, err = uc.Execute(context.Background(), "u2", "p1")
	require.NoError(t, err)
	assert.False(t, res.HasAccess)
}

func TestCheckAccessIgnoresStaleEdge(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, processor.StateCompleted, f.process(t, purchaseEvt1).State)

	ent := f.ents.All()[0]
	_, err := f.ents.Revoke(context.Background(), ent.ID, "manual", time.Now())
	require.NoError(t, err)

	res, err := NewCheckAccess(f.sync, f.ents, f.log).Execute(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.False(t, res.HasAccess)
}

func TestCheckAccessFallsBackWhenGraphDown(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, processor.StateCompleted, f.process(t, purchaseEvt1).State)

	res, err := NewCheckAccess(downGraph{}, f.ents, f.log).Execute(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.True(t, res.HasAccess)
}

func TestReplayDeadLetter(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, refundEvt2)
	require.Equal(t, processor.StateDeadLettered, res.State)

	list, err := NewListDeadLetters(f.dlq).Execute(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "evt-2", list[0].EventID)
	assert.Equal(t, 2, list[0].AttemptCount)

	replay := NewReplayDeadLetter(f.dlq, f.proc, f.log)

	// Source purchase still missing: replay fails again and attempts accumulate.
	out, err := replay.Execute(context.Background(), "evt-2")
	require.NoError(t, err)
	assert.Equal(t, processor.StateDeadLettered, out.State)
	rec, err := f.dlq.Get(context.Background(), "evt-2")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.AttemptCount)
	assert.Nil(t, rec.ReplayedAt)

	require.Equal(t, processor.StateCompleted, f.process(t, purchaseEvt1).State)

	out, err = replay.Execute(context.Background(), "evt-2")
	require.NoError(t, err)
	assert.Equal(t, processor.StateCompleted, out.State)

	rec, err = f.dlq.Get(context.Background(), "evt-2")
	require.NoError(t, err)
	assert.NotNil(t, rec.ReplayedAt)
	assert.Equal(t, entitlement.StatusRevoked, f.ents.All()[0].Status)

	list, err = NewListDeadLetters(f.dlq).Execute(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReplayRejectsTamperedPayload(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dlq.Put(context.Background(), &deadletter.Record{
		EventID:      "evt-9",
		RawPayload:   []byte(refundEvt2),
		Signature:    "00",
		LastError:    "boom",
		AttemptCount: 3,
		FirstSeenAt:  time.Now(),
		LastFailedAt: time.Now(),
	}))

	_, err := NewReplayDeadLetter(f.dlq, f.proc, f.log).Execute(context.Background(), "evt-9")
	assert.ErrorIs(t, err, signature.ErrInvalid)

	_, err = NewReplayDeadLetter(f.dlq, f.proc, f.log).Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
}

func TestPurgeDeadLetters(t *testing.T) {
	f := newFixture(t)
	old := time.Now().Add(-40 * 24 * time.Hour)
	for _, r := range []*deadletter.Record{
		{EventID: "old", FirstSeenAt: old, LastFailedAt: old},
		{EventID: "new", FirstSeenAt: time.Now(), LastFailedAt: time.Now()},
	} {
		require.NoError(t, f.dlq.Put(context.Background(), r))
	}

	n, err := NewPurgeDeadLetters(f.dlq, 0).Execute(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.dlq.Get(context.Background(), "old")
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
	_, err = f.dlq.Get(context.Background(), "new")
	assert.NoError(t, err)
}

func TestReconcileGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// ACTIVE without an edge.
	missing := entitlement.New("u1", "p1", "evt-1", time.Now(), time.Hour)
	_, err := f.ents.Create(ctx, missing)
	require.NoError(t, err)

	// REVOKED with a stale ACTIVE edge.
	stale := entitlement.New("u2", "p2", "evt-2", time.Now(), time.Hour)
	_, err = f.ents.Create(ctx, stale)
	require.NoError(t, err)
	require.NoError(t, f.sync.RecordEntitlement(ctx, "u2", "p2", stale.ID, nil))
	_, err = f.ents.Revoke(ctx, stale.ID, "refund", time.Now())
	require.NoError(t, err)

	uc := NewReconcileGraph(f.ents, f.sync, 1, f.log)
	report, err := uc.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Scanned: 2, Repaired: 2}, report)

	edge, err := f.graph.Get(ctx, missing.ID)
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, relationship.EdgeActive, edge.Status)

	edge, err = f.graph.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, relationship.EdgeRevoked, edge.Status)

	report, err = uc.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Scanned: 2}, report)
}

func TestGetEventTrail(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, processor.StateCompleted, f.process(t, purchaseEvt1).State)

	uc := NewGetEventTrail(f.ents, f.inbox, f.dlq)
	trail, err := uc.Execute(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, trail.Processed)
	assert.Len(t, trail.Entitlements, 1)
	assert.Nil(t, trail.DeadLetter)

	raw, err := json.Marshal(trail)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"entitlementId"`)

	_, err = uc.Execute(context.Background(), "evt-unknown")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

type downGraph struct{}

func (downGraph) CheckEntitlement(context.Context, string, string) (*relationship.EntitlementSummary, error) {
	return nil, &relationship.SyncError{Op: "check", Err: errors.New("graph unavailable")}
}
