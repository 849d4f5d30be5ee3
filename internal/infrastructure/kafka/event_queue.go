package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"entitlements/internal/domain/event"

	"github.com/segmentio/kafka-go"
)

// EventQueue publishes verified deliveries for cmd/worker. Messages are keyed by
// actor so one customer's events share a partition.
type EventQueue struct {
	producer *Producer
}

func NewEventQueue(producer *Producer) *EventQueue {
	return &EventQueue{producer: producer}
}

func (q *EventQueue) Enqueue(ctx context.Context, d event.Delivery) error {
	value, err := json.Marshal(event.NewMessage(d))
	if err != nil {
		return fmt.Errorf("marshal event message: %w", err)
	}
	return q.producer.SendMessage(ctx, []byte(d.Event.ActorID), value,
		kafka.Header{Key: "event-type", Value: []byte(d.Event.Type)})
}

// DecodeMessage reads an envelope written by EventQueue.
func DecodeMessage(value []byte) (event.Message, error) {
	var msg event.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return event.Message{}, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if msg.ID == "" || len(msg.Payload) == 0 {
		return event.Message{}, fmt.Errorf("event envelope missing id or payload")
	}
	return msg, nil
}
