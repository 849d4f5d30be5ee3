package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// platformEvent is the wire shape posted by the commerce platform.
type platformEvent struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	ActorID       string          `json:"actorId"`
	SourceEventID string          `json:"sourceEventId"`
	Reason        string          `json:"reason"`
	OccurredAt    json.RawMessage `json:"occurredAt"`
	SubjectRefs   []SubjectRef    `json:"subjectRefs"`
}

// Parse maps a raw platform payload into an InboundEvent. now is used when the
// platform did not report occurredAt. Every error wraps ErrMalformed.
func Parse(raw []byte, now time.Time) (*InboundEvent, error) {
	var p platformEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after event object", ErrMalformed)
	}

	ev := &InboundEvent{
		ID:            strings.TrimSpace(p.EventID),
		Type:          Type(strings.ToUpper(strings.TrimSpace(p.EventType))),
		ActorID:       strings.TrimSpace(p.ActorID),
		SourceEventID: strings.TrimSpace(p.SourceEventID),
		Reason:        strings.TrimSpace(p.Reason),
		RawPayload:    raw,
	}

	occurredAt, err := parseTimestamp(p.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("%w: occurredAt: %v", ErrMalformed, err)
	}
	if occurredAt.IsZero() {
		occurredAt = now
	}
	ev.OccurredAt = occurredAt.UTC()

	for i, ref := range p.SubjectRefs {
		ref.SubjectID = strings.TrimSpace(ref.SubjectID)
		if ref.SubjectID == "" {
			return nil, fmt.Errorf("%w: subjectRefs[%d] missing subjectId", ErrMalformed, i)
		}
		ev.SubjectRefs = append(ev.SubjectRefs, ref)
	}

	if err := validate(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func validate(ev *InboundEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("%w: missing eventId", ErrMalformed)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unsupported eventType %q", ErrMalformed, ev.Type)
	}
	if ev.ActorID == "" {
		return fmt.Errorf("%w: missing actorId", ErrMalformed)
	}
	switch {
	case ev.Type == TypePurchaseCompleted && len(ev.SubjectRefs) == 0:
		return fmt.Errorf("%w: purchase without subjectRefs", ErrMalformed)
	case ev.Type.Revokes() && ev.SourceEventID == "":
		return fmt.Errorf("%w: %s without sourceEventId", ErrMalformed, ev.Type)
	case ev.Type.Revokes() && ev.SourceEventID == ev.ID:
		return fmt.Errorf("%w: sourceEventId references itself", ErrMalformed)
	}
	return nil
}

// parseTimestamp accepts RFC 3339 strings or epoch seconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339, s)
	}
	secs, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}
