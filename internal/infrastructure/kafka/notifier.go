package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"entitlements/internal/notify"

	"github.com/segmentio/kafka-go"
)

// Notifier hands customer notifications to the delivery service over Kafka.
type Notifier struct {
	producer *Producer
}

func NewNotifier(producer *Producer) *Notifier {
	return &Notifier{producer: producer}
}

func (n *Notifier) Notify(ctx context.Context, msg notify.Notification) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.producer.SendMessage(ctx, []byte(msg.EntitlementID), value,
		kafka.Header{Key: "kind", Value: []byte(msg.Kind)})
}
