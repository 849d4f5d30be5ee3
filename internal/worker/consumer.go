package worker

import (
	"context"
	"log/slog"
	"time"

	"entitlements/internal/domain/event"
	"entitlements/internal/infrastructure/kafka"
	"entitlements/internal/processor"
	"entitlements/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	kafkago "github.com/segmentio/kafka-go"
)

var consumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "worker_queue_messages_total",
	Help: "Queued event messages consumed, by outcome",
}, []string{"outcome"})

// MessageSource is the group reader the consumer pulls from.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// QueueProcessor is the processor as seen from the queue.
type QueueProcessor interface {
	usecase.EventProcessor
	DeadLetterRejected(ctx context.Context, d event.Delivery, cause error)
}

// EventConsumer drains the event queue written by the webhook. Every message is
// re-verified against its stored signature and processed before its offset is
// committed, so a crash replays it and the idempotency store absorbs the repeat.
type EventConsumer struct {
	source     MessageSource
	proc       QueueProcessor
	log        *slog.Logger
	fetchDelay time.Duration
}

func NewEventConsumer(source MessageSource, proc QueueProcessor, log *slog.Logger) *EventConsumer {
	return &EventConsumer{source: source, proc: proc, log: log, fetchDelay: time.Second}
}

func (c *EventConsumer) Run(ctx context.Context) error {
	c.log.Info("event consumer started")

	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.fetchDelay):
			}
			continue
		}

		// A delivery in flight finishes even when shutdown starts.
		work := context.WithoutCancel(ctx)
		consumedMessages.WithLabelValues(c.handle(work, msg)).Inc()

		if err := c.source.CommitMessages(work, msg); err != nil {
			c.log.Error("failed to commit kafka message", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *EventConsumer) handle(ctx context.Context, msg kafkago.Message) string {
	env, err := kafka.DecodeMessage(msg.Value)
	if err != nil {
		c.log.Error("discarding unreadable queue message", "offset", msg.Offset, "error", err)
		return "discarded"
	}

	d, err := c.proc.Admit(env.Payload, env.Signature)
	if err != nil {
		if env.ID == "" {
			c.log.Error("discarding queued event that failed verification", "offset", msg.Offset, "error", err)
			return "rejected"
		}
		// The webhook already acknowledged it, so it must stay replayable.
		c.proc.DeadLetterRejected(ctx, event.Delivery{
			Event:      &event.InboundEvent{ID: env.ID, Type: event.Type(env.Type), RawPayload: env.Payload},
			Signature:  env.Signature,
			ReceivedAt: env.ReceivedAt,
		}, err)
		return "dead_lettered"
	}
	if !env.ReceivedAt.IsZero() {
		d.ReceivedAt = env.ReceivedAt
	}

	res := c.proc.Process(ctx, d)
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.State == processor.StateDeadLettered:
		return "dead_lettered"
	}
	return "completed"
}
