package event

import "time"

// Message is the envelope published to Kafka when the queue backend is external.
// Payload carries the exact bytes received from the platform (base64 on the wire,
// since encoding/json would compact a RawMessage and break the signature).
type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Signature  string    `json:"signature"`
	ReceivedAt time.Time `json:"receivedAt"`
	Payload    []byte    `json:"payload"`
}

func NewMessage(d Delivery) Message {
	return Message{
		ID:         d.Event.ID,
		Type:       string(d.Event.Type),
		Signature:  d.Signature,
		ReceivedAt: d.ReceivedAt.UTC(),
		Payload:    d.Event.RawPayload,
	}
}
