package relationship_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"entitlements/internal/domain/entitlement"
	"entitlements/internal/infrastructure/memory"
	"entitlements/internal/relationship"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndCheckEntitlement(t *testing.T) {
	store := memory.NewGraphStore()
	s := relationship.NewSync(store, time.Second)
	ctx := context.Background()

	summary, err := s.CheckEntitlement(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Nil(t, summary)

	require.NoError(t, s.RecordEntitlement(ctx, "u1", "p1", "ent-1", map[string]string{"source_event_id": "evt-1"}))
	// Recording twice keeps a single edge.
	require.NoError(t, s.RecordEntitlement(ctx, "u1", "p1", "ent-1", nil))
	assert.Equal(t, 1, store.Len())

	summary, err = s.CheckEntitlement(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "ent-1", summary.EntitlementID)

	require.NoError(t, s.RevokeEntitlement(ctx, "ent-1"))
	summary, err = s.CheckEntitlement(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Nil(t, summary)

	edge, err := store.Get(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, relationship.EdgeRevoked, edge.Status)
	assert.NotNil(t, edge.RevokedAt)

	// A revoked edge is not revived by a late record.
	require.NoError(t, s.RecordEntitlement(ctx, "u1", "p1", "ent-1", nil))
	summary, err = s.CheckEntitlement(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestRevokeMissingEdgeIsNotAnError(t *testing.T) {
	s := relationship.NewSync(memory.NewGraphStore(), time.Second)
	assert.NoError(t, s.RevokeEntitlement(context.Background(), "ent-missing"))
}

func TestReconcile(t *testing.T) {
	store := memory.NewGraphStore()
	s := relationship.NewSync(store, time.Second)
	ctx := context.Background()

	ent := entitlement.New("u1", "p1", "evt-1", time.Now(), time.Hour)

	repaired, err := s.Reconcile(ctx, ent)
	require.NoError(t, err)
	assert.True(t, repaired)

	repaired, err = s.Reconcile(ctx, ent)
	require.NoError(t, err)
	assert.False(t, repaired)

	at := time.Now().UTC()
	ent.Status = entitlement.StatusRevoked
	ent.RevokedAt = &at

	repaired, err = s.Reconcile(ctx, ent)
	require.NoError(t, err)
	assert.True(t, repaired)

	edge, err := store.Get(ctx, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, relationship.EdgeRevoked, edge.Status)
	assert.Equal(t, ent.SourceEventID, edge.Metadata["source_event_id"])
}

func TestReconcileMissingRevokedEdge(t *testing.T) {
	store := memory.NewGraphStore()
	s := relationship.NewSync(store, time.Second)

	at := time.Now().UTC()
	ent := entitlement.New("u1", "p1", "evt-1", at, time.Hour)
	ent.Status = entitlement.StatusRevoked
	ent.RevokedAt = &at

	repaired, err := s.Reconcile(context.Background(), ent)
	require.NoError(t, err)
	assert.True(t, repaired)

	edge, err := store.Get(context.Background(), ent.ID)
	require.NoError(t, err)
	assert.Equal(t, relationship.EdgeRevoked, edge.Status)
}

type failingStore struct {
	relationship.GraphStore
	err error
}

func (f failingStore) UpsertHolds(context.Context, relationship.Edge) error { return f.err }

func (f failingStore) MarkRevoked(context.Context, string, time.Time) (bool, error) {
	return false, f.err
}

func (f failingStore) FindActive(context.Context, string, string) (*relationship.Edge, error) {
	return nil, f.err
}

func (f failingStore) Get(context.Context, string) (*relationship.Edge, error) { return nil, f.err }

func TestFailuresAreSyncErrors(t *testing.T) {
	cause := errors.New("graph unavailable")
	s := relationship.NewSync(failingStore{err: cause}, time.Second)
	ctx := context.Background()

	errs := []error{
		s.RecordEntitlement(ctx, "u1", "p1", "ent-1", nil),
		s.RevokeEntitlement(ctx, "ent-1"),
	}
	_, err := s.CheckEntitlement(ctx, "u1", "p1")
	errs = append(errs, err)
	_, err = s.Reconcile(ctx, entitlement.New("u1", "p1", "evt-1", time.Now(), time.Hour))
	errs = append(errs, err)

	for _, err := range errs {
		var syncErr *relationship.SyncError
		require.ErrorAs(t, err, &syncErr)
		assert.ErrorIs(t, err, cause)
	}
}

type slowStore struct {
	relationship.GraphStore
}

func (slowStore) UpsertHolds(ctx context.Context, _ relationship.Edge) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSyncAppliesTimeout(t *testing.T) {
	s := relationship.NewSync(slowStore{}, 20*time.Millisecond)

	err := s.RecordEntitlement(context.Background(), "u1", "p1", "ent-1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
