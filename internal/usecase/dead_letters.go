package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"entitlements/internal/domain/deadletter"
	"entitlements/internal/domain/event"
	"entitlements/internal/processor"
)

// EventProcessor is the part of the processor dead-letter replay drives.
type EventProcessor interface {
	Admit(raw []byte, sig string) (event.Delivery, error)
	Process(ctx context.Context, d event.Delivery) processor.Result
}

type ListDeadLetters struct {
	sink deadletter.Sink
}

func NewListDeadLetters(sink deadletter.Sink) *ListDeadLetters {
	return &ListDeadLetters{sink: sink}
}

func (uc *ListDeadLetters) Execute(ctx context.Context, limit int) ([]*deadletter.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	recs, err := uc.sink.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return recs, nil
}

type ReplayDTO struct {
	EventID   string          `json:"eventId"`
	State     processor.State `json:"state"`
	Attempts  int             `json:"attempts"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type ReplayDeadLetter struct {
	sink deadletter.Sink
	proc EventProcessor
	log  *slog.Logger
	now  func() time.Time
}

func NewReplayDeadLetter(sink deadletter.Sink, proc EventProcessor, log *slog.Logger) *ReplayDeadLetter {
	return &ReplayDeadLetter{sink: sink, proc: proc, log: log, now: time.Now}
}

// Execute re-verifies the stored payload with its original signature and runs
// it through the processor synchronously. Only a completed replay marks the
// record replayed; a failed one is dead-lettered again with its attempts added.
func (uc *ReplayDeadLetter) Execute(ctx context.Context, eventID string) (*ReplayDTO, error) {
	rec, err := uc.sink.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	d, err := uc.proc.Admit(rec.RawPayload, rec.Signature)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", eventID, err)
	}

	res := uc.proc.Process(ctx, d)
	out := &ReplayDTO{
		EventID:   eventID,
		State:     res.State,
		Attempts:  res.Attempts,
		Duplicate: res.Duplicate,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	if res.State == processor.StateCompleted {
		if err := uc.sink.MarkReplayed(ctx, eventID, uc.now().UTC()); err != nil {
			return nil, fmt.Errorf("mark replayed: %w", err)
		}
		uc.log.Info("dead letter replayed", "event_id", eventID, "attempts", res.Attempts)
	}
	return out, nil
}

type PurgeDeadLetters struct {
	sink      deadletter.Sink
	retention time.Duration
	now       func() time.Time
}

func NewPurgeDeadLetters(sink deadletter.Sink, retention time.Duration) *PurgeDeadLetters {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &PurgeDeadLetters{sink: sink, retention: retention, now: time.Now}
}

// Execute deletes records whose last failure is older than the retention window.
func (uc *PurgeDeadLetters) Execute(ctx context.Context) (int64, error) {
	n, err := uc.sink.Purge(ctx, uc.now().UTC().Add(-uc.retention))
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return n, nil
}
