package memory

import (
	"context"
	"sync"
	"time"

	"entitlements/internal/relationship"
)

type graphNode struct {
	kind string
	id   string
}

type GraphStore struct {
	mu    sync.RWMutex
	nodes map[graphNode]time.Time
	edges map[string]*relationship.Edge
}

func NewGraphStore() *GraphStore {
	return &GraphStore{
		nodes: make(map[graphNode]time.Time),
		edges: make(map[string]*relationship.Edge),
	}
}

func (g *GraphStore) UpsertHolds(_ context.Context, e relationship.Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range []graphNode{{"actor", e.ActorID}, {"subject", e.SubjectID}} {
		if _, ok := g.nodes[n]; !ok {
			g.nodes[n] = e.CreatedAt
		}
	}

	if existing, ok := g.edges[e.EntitlementID]; ok {
		existing.Metadata = copyMap(e.Metadata)
		existing.UpdatedAt = e.UpdatedAt
		return nil
	}
	cp := e
	cp.Metadata = copyMap(e.Metadata)
	if cp.Status == relationship.EdgeRevoked && cp.RevokedAt == nil {
		at := e.UpdatedAt
		cp.RevokedAt = &at
	}
	g.edges[e.EntitlementID] = &cp
	return nil
}

func (g *GraphStore) MarkRevoked(_ context.Context, entitlementID string, at time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.edges[entitlementID]
	if !ok {
		return false, nil
	}
	if e.Status != relationship.EdgeRevoked {
		e.Status = relationship.EdgeRevoked
		e.RevokedAt = &at
		e.UpdatedAt = at
	}
	return true, nil
}

func (g *GraphStore) FindActive(_ context.Context, actorID, subjectID string) (*relationship.Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var found *relationship.Edge
	for _, e := range g.edges {
		if e.ActorID != actorID || e.SubjectID != subjectID || e.Status != relationship.EdgeActive {
			continue
		}
		if found == nil || e.CreatedAt.After(found.CreatedAt) {
			found = e
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (g *GraphStore) Get(_ context.Context, entitlementID string) (*relationship.Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.edges[entitlementID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// Len counts edges regardless of status.
func (g *GraphStore) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
