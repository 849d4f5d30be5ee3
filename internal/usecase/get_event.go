package usecase

import (
	"context"
	"errors"
	"fmt"

	"entitlements/internal/domain/deadletter"
	"entitlements/internal/domain/entitlement"
	"entitlements/internal/domain/inbox"
)

// EventTrailDTO is everything the pipeline knows about one commerce event.
type EventTrailDTO struct {
	EventID      string                     `json:"eventId"`
	Processed    bool                       `json:"processed"`
	Entitlements []*entitlement.Entitlement `json:"entitlements"`
	DeadLetter   *deadletter.Record         `json:"deadLetter,omitempty"`
}

type GetEventTrail struct {
	ents  entitlement.Repository
	inbox inbox.Log
	sink  deadletter.Sink
}

func NewGetEventTrail(ents entitlement.Repository, inbox inbox.Log, sink deadletter.Sink) *GetEventTrail {
	return &GetEventTrail{ents: ents, inbox: inbox, sink: sink}
}

func (uc *GetEventTrail) Execute(ctx context.Context, eventID string) (*EventTrailDTO, error) {
	processed, err := uc.inbox.Contains(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("lookup processed event: %w", err)
	}

	ents, err := uc.ents.ListBySourceEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}

	dl, err := uc.sink.Get(ctx, eventID)
	if err != nil && !errors.Is(err, deadletter.ErrNotFound) {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}

	trail := &EventTrailDTO{
		EventID:      eventID,
		Processed:    processed,
		Entitlements: ents,
		DeadLetter:   dl,
	}
	if trail.Entitlements == nil {
		trail.Entitlements = []*entitlement.Entitlement{}
	}
	if !processed && len(ents) == 0 && dl == nil {
		return nil, ErrEventNotFound
	}
	return trail, nil
}

var ErrEventNotFound = errors.New("event not found")
