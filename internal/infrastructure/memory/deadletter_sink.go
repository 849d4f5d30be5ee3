package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"entitlements/internal/domain/deadletter"
)

type DeadLetterSink struct {
	mu      sync.Mutex
	records map[string]*deadletter.Record
}

func NewDeadLetterSink() *DeadLetterSink {
	return &DeadLetterSink{records: make(map[string]*deadletter.Record)}
}

func (s *DeadLetterSink) Put(_ context.Context, r *deadletter.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	if existing, ok := s.records[r.EventID]; ok {
		cp.FirstSeenAt = existing.FirstSeenAt
		cp.AttemptCount += existing.AttemptCount
	}
	cp.ReplayedAt = nil
	s.records[r.EventID] = &cp
	return nil
}

func (s *DeadLetterSink) Get(_ context.Context, eventID string) (*deadletter.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[eventID]
	if !ok {
		return nil, deadletter.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *DeadLetterSink) ListPending(_ context.Context, limit int) ([]*deadletter.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*deadletter.Record
	for _, r := range s.records {
		if r.ReplayedAt == nil {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DeadLetterSink) MarkReplayed(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[eventID]
	if !ok {
		return deadletter.ErrNotFound
	}
	at = at.UTC()
	r.ReplayedAt = &at
	return nil
}

func (s *DeadLetterSink) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.records {
		if r.LastFailedAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}
