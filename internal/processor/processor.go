// Package processor turns verified commerce events into entitlement side effects
// exactly once, retrying transient failures and dead-lettering the rest.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"entitlements/internal/domain/deadletter"
	"entitlements/internal/domain/entitlement"
	"entitlements/internal/domain/event"
	"entitlements/internal/domain/idempotency"
	"entitlements/internal/domain/inbox"
	"entitlements/internal/notify"
	"entitlements/internal/signature"
)

type State string

const (
	StateReceived     State = "RECEIVED"
	StateVerified     State = "VERIFIED"
	StateReserved     State = "RESERVED"
	StateDispatched   State = "DISPATCHED"
	StateCompleted    State = "COMPLETED"
	StateRetrying     State = "RETRYING"
	StateDeadLettered State = "DEAD_LETTERED"
)

// Result is the final state of one delivery.
type Result struct {
	State     State
	Attempts  int
	Duplicate bool
	// Err is the last failure for dead-lettered events, and the graph failure
	// for events completed with the graph left behind.
	Err error
}

// Transactor runs fn in a database transaction carried by ctx.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Revoker flips entitlements to REVOKED.
type Revoker interface {
	Revoke(ctx context.Context, entitlementID, reason string) (bool, error)
}

// GraphSync mirrors entitlements into the relationship graph.
type GraphSync interface {
	RecordEntitlement(ctx context.Context, actorID, subjectID, entitlementID string, metadata map[string]string) error
	RevokeEntitlement(ctx context.Context, entitlementID string) error
}

type Config struct {
	IdempotencyTTL      time.Duration
	EntitlementLifetime time.Duration
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	CallTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.EntitlementLifetime <= 0 {
		c.EntitlementLifetime = 90 * 24 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	return c
}

type Deps struct {
	Verifier     *signature.Verifier
	Idempotency  idempotency.Store
	Tx           Transactor
	Entitlements entitlement.Repository
	Inbox        inbox.Log
	Tokens       Revoker
	Graph        GraphSync
	Notifier     notify.Notifier
	DeadLetters  deadletter.Sink
	Logger       *slog.Logger
}

type Processor struct {
	Deps
	cfg     Config
	backoff Backoff
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = sleep }
}

func New(deps Deps, cfg Config, opts ...Option) *Processor {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(deps.Logger)
	}
	p := &Processor{
		Deps:    deps,
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Admit authenticates and parses a raw webhook body. Failures wrap
// signature.ErrInvalid or event.ErrMalformed and are terminal: nothing is
// reserved or dead-lettered for them.
func (p *Processor) Admit(raw []byte, sig string) (event.Delivery, error) {
	if err := p.Verifier.Verify(raw, sig); err != nil {
		return event.Delivery{}, err
	}
	now := p.now().UTC()
	ev, err := event.Parse(raw, now)
	if err != nil {
		return event.Delivery{}, err
	}
	return event.Delivery{Event: ev, Signature: sig, ReceivedAt: now}, nil
}

// Process runs one verified delivery to a final state. It never returns an
// error: failures end in DeadLettered, or in Completed with Err set when only
// the relationship graph is behind.
func (p *Processor) Process(ctx context.Context, d event.Delivery) Result {
	ev := d.Event
	log := p.Logger.With("event_id", ev.ID, "event_type", ev.Type)
	started := p.now()

	var (
		reserved  bool
		committed bool
		attempts  int
		lastErr   error
	)

	for attempts < p.cfg.MaxAttempts {
		if attempts > 0 {
			delay := p.backoff.Delay(attempts - 1)
			retriesTotal.Inc()
			log.Warn("retrying event", "state", StateRetrying, "attempt", attempts+1, "backoff", delay, "error", lastErr)
			if err := p.sleep(ctx, delay); err != nil {
				lastErr = fmt.Errorf("%w (last error: %v)", err, lastErr)
				break
			}
		}
		attempts++

		if !reserved {
			ok, err := p.reserve(ctx, ev.ID)
			if err != nil {
				lastErr = fmt.Errorf("reserve: %w", err)
				continue
			}
			if !ok {
				log.Info("duplicate event skipped")
				eventsProcessed.WithLabelValues(string(ev.Type), "duplicate").Inc()
				return Result{State: StateCompleted, Attempts: attempts, Duplicate: true}
			}
			reserved = true
			log.Debug("event reserved", "state", StateReserved)
		}

		done, err := p.dispatch(ctx, ev)
		committed = committed || done
		if err == nil {
			p.finish(ev, StateCompleted, started)
			log.Info("event processed", "state", StateCompleted, "attempts", attempts)
			return Result{State: StateCompleted, Attempts: attempts}
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
	}

	if committed && isGraphFailure(lastErr) {
		graphSyncFailures.Inc()
		p.finish(ev, StateCompleted, started)
		log.Error("event completed, relationship graph left for reconciliation",
			"attempts", attempts, "error", lastErr)
		return Result{State: StateCompleted, Attempts: attempts, Err: lastErr}
	}

	p.deadLetter(ctx, d, attempts, lastErr)
	if reserved {
		p.release(ctx, ev.ID)
	}
	p.finish(ev, StateDeadLettered, started)
	return Result{State: StateDeadLettered, Attempts: attempts, Err: lastErr}
}

func (p *Processor) finish(ev *event.InboundEvent, state State, started time.Time) {
	eventsProcessed.WithLabelValues(string(ev.Type), string(state)).Inc()
	processingDuration.Observe(p.now().Sub(started).Seconds())
}

func (p *Processor) reserve(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return p.Idempotency.Reserve(ctx, eventID, p.cfg.IdempotencyTTL)
}

func (p *Processor) release(ctx context.Context, eventID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallTimeout)
	defer cancel()
	if err := p.Idempotency.Release(ctx, eventID); err != nil {
		p.Logger.Error("release reservation", "event_id", eventID, "error", err)
	}
}

// deadLetter stores the delivery with everything needed to replay it. It runs
// even when ctx is already cancelled so shutdown does not lose events.
func (p *Processor) deadLetter(ctx context.Context, d event.Delivery, attempts int, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallTimeout)
	defer cancel()

	now := p.now().UTC()
	firstSeen := d.ReceivedAt
	if firstSeen.IsZero() {
		firstSeen = now
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	rec := &deadletter.Record{
		EventID:      d.Event.ID,
		EventType:    string(d.Event.Type),
		RawPayload:   d.Event.RawPayload,
		Signature:    d.Signature,
		LastError:    msg,
		AttemptCount: attempts,
		FirstSeenAt:  firstSeen,
		LastFailedAt: now,
	}

	log := p.Logger.With("event_id", rec.EventID, "event_type", rec.EventType, "attempts", attempts)
	if err := p.DeadLetters.Put(ctx, rec); err != nil {
		deadLetterWriteErrors.Inc()
		log.Error("dead-letter write failed, event needs manual recovery",
			"last_error", msg, "error", err, "raw_payload", string(rec.RawPayload))
		return
	}
	deadLettersTotal.Inc()
	log.Error("event dead-lettered", "state", StateDeadLettered, "last_error", msg)
}

// DeadLetterUnprocessed parks a delivery that never reached a worker.
func (p *Processor) DeadLetterUnprocessed(ctx context.Context, d event.Delivery) {
	p.deadLetter(ctx, d, 0, errShutdown)
}

// DeadLetterRejected parks a queued delivery that no longer verifies, keeping the
// original signature so it can be replayed once the secret is put right.
func (p *Processor) DeadLetterRejected(ctx context.Context, d event.Delivery, cause error) {
	p.deadLetter(ctx, d, 1, cause)
}

func (p *Processor) notify(ctx context.Context, kind notify.Kind, ents []*entitlement.Entitlement) {
	for _, e := range ents {
		n := notify.Notification{
			Kind:          kind,
			EntitlementID: e.ID,
			ActorID:       e.ActorID,
			SubjectID:     e.SubjectID,
			SourceEventID: e.SourceEventID,
			At:            p.now().UTC(),
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		err := p.Notifier.Notify(callCtx, n)
		cancel()
		if err != nil {
			notifyFailures.Inc()
			p.Logger.Warn("notification failed", "kind", kind, "entitlement_id", e.ID, "error", err)
		}
	}
}
