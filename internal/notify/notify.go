// Package notify defines the fire-and-forget customer notification hook.
package notify

import (
	"context"
	"log/slog"
	"time"
)

type Kind string

const (
	KindEntitlementGranted Kind = "entitlement.granted"
	KindEntitlementRevoked Kind = "entitlement.revoked"
)

type Notification struct {
	Kind          Kind      `json:"kind"`
	EntitlementID string    `json:"entitlementId"`
	ActorID       string    `json:"actorId"`
	SubjectID     string    `json:"subjectId"`
	SourceEventID string    `json:"sourceEventId"`
	At            time.Time `json:"at"`
}

// Notifier delivers notifications. Failures are reported but never fail the
// event that triggered them.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier only logs; used when no delivery channel is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	n.log.InfoContext(ctx, "notification",
		"kind", msg.Kind,
		"entitlement_id", msg.EntitlementID,
		"actor_id", msg.ActorID,
		"subject_id", msg.SubjectID,
	)
	return nil
}
