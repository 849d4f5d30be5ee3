package memory

import (
	"context"
	"sync"

	"entitlements/internal/notify"
)

// Notifier records every notification it is asked to send.
type Notifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *Notifier) Sent() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.sent...)
}
