package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"entitlements/internal/domain/entitlement"
)

type EntitlementRepository struct {
	mu    sync.RWMutex
	byID  map[string]*entitlement.Entitlement
	order []string
}

func NewEntitlementRepository() *EntitlementRepository {
	return &EntitlementRepository{byID: make(map[string]*entitlement.Entitlement)}
}

func (r *EntitlementRepository) Create(_ context.Context, e *entitlement.Entitlement) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byID {
		if existing.SourceEventID == e.SourceEventID && existing.SubjectID == e.SubjectID {
			return false, nil
		}
	}
	cp := *e
	r.byID[e.ID] = &cp
	r.order = append(r.order, e.ID)
	return true, nil
}

func (r *EntitlementRepository) GetByID(_ context.Context, id string) (*entitlement.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *EntitlementRepository) FindActive(_ context.Context, actorID, subjectID string, now time.Time) (*entitlement.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *entitlement.Entitlement
	for _, id := range r.order {
		e := r.byID[id]
		if e.ActorID != actorID || e.SubjectID != subjectID || !e.Usable(now) {
			continue
		}
		if found == nil || e.ExpiresAt.After(found.ExpiresAt) {
			found = e
		}
	}
	if found == nil {
		return nil, entitlement.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *EntitlementRepository) ListBySourceEvent(_ context.Context, sourceEventID string) ([]*entitlement.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entitlement.Entitlement
	for _, id := range r.order {
		if e := r.byID[id]; e.SourceEventID == sourceEventID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *EntitlementRepository) Revoke(_ context.Context, id, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return false, entitlement.ErrNotFound
	}
	if e.Status != entitlement.StatusActive {
		return false, nil
	}
	at = at.UTC()
	e.Status = entitlement.StatusRevoked
	e.RevokedAt = &at
	e.RevokedReason = reason
	return true, nil
}

func (r *EntitlementRepository) ListAfter(_ context.Context, afterID string, limit int) ([]*entitlement.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*entitlement.Entitlement, 0, len(ids))
	for _, id := range ids {
		cp := *r.byID[id]
		out = append(out, &cp)
	}
	return out, nil
}

// All returns every entitlement in creation order.
func (r *EntitlementRepository) All() []*entitlement.Entitlement {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entitlement.Entitlement, 0, len(r.order))
	for _, id := range r.order {
		cp := *r.byID[id]
		out = append(out, &cp)
	}
	return out
}
