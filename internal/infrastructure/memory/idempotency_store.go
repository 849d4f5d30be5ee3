package memory

import (
	"context"
	"sync"
	"time"
)

type IdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{keys: make(map[string]time.Time), now: time.Now}
}

func (s *IdempotencyStore) Reserve(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.keys[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	s.keys[eventID] = now.Add(ttl)
	return true, nil
}

func (s *IdempotencyStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, eventID)
	return nil
}

// Reserved reports whether eventID currently holds a live reservation.
func (s *IdempotencyStore) Reserved(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.keys[eventID]
	return ok && s.now().Before(exp)
}

// Len counts live reservations.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	for _, exp := range s.keys {
		if now.Before(exp) {
			n++
		}
	}
	return n
}
