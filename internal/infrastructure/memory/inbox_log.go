package memory

import (
	"context"
	"sync"

	"entitlements/internal/domain/inbox"
)

type InboxLog struct {
	mu     sync.RWMutex
	events map[string]inbox.Event
}

func NewInboxLog() *InboxLog {
	return &InboxLog{events: make(map[string]inbox.Event)}
}

func (l *InboxLog) Append(_ context.Context, e *inbox.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.events[e.EventID]; !ok {
		l.events[e.EventID] = *e
	}
	return nil
}

func (l *InboxLog) Contains(_ context.Context, eventID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.events[eventID]
	return ok, nil
}
