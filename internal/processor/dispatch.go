package processor

import (
	"context"
	"errors"
	"fmt"

	"entitlements/internal/domain/entitlement"
	"entitlements/internal/domain/event"
	"entitlements/internal/domain/inbox"
	"entitlements/internal/notify"
	"entitlements/internal/relationship"
)

// dispatch applies the side effects of ev. Every step is safe to repeat, so a
// retry simply runs dispatch again. committed reports whether the entitlement
// changes for ev are durable, whatever happened afterwards.
func (p *Processor) dispatch(ctx context.Context, ev *event.InboundEvent) (committed bool, err error) {
	switch {
	case ev.Type == event.TypePurchaseCompleted:
		return p.grant(ctx, ev)
	case ev.Type.Revokes():
		return p.revoke(ctx, ev)
	}
	return false, Permanent(fmt.Errorf("%w: unsupported event type %q", event.ErrMalformed, ev.Type))
}

func (p *Processor) grant(ctx context.Context, ev *event.InboundEvent) (bool, error) {
	var created, all []*entitlement.Entitlement

	txCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	err := p.Tx.WithinTransaction(txCtx, func(ctx context.Context) error {
		created = created[:0]
		now := p.now().UTC()
		for _, ref := range ev.SubjectRefs {
			if !ref.Eligible() {
				continue
			}
			e := entitlement.New(ev.ActorID, ref.SubjectID, ev.ID, now, p.cfg.EntitlementLifetime)
			ok, err := p.Entitlements.Create(ctx, e)
			if err != nil {
				return fmt.Errorf("create entitlement for %s: %w", ref.SubjectID, err)
			}
			if ok {
				created = append(created, e)
			}
		}

		var err error
		all, err = p.Entitlements.ListBySourceEvent(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("list entitlements: %w", err)
		}
		return p.markProcessed(ctx, ev)
	})
	if err != nil {
		return false, err
	}

	p.notify(ctx, notify.KindEntitlementGranted, created)

	var graphErrs []error
	for _, e := range all {
		if e.Status != entitlement.StatusActive {
			continue
		}
		if err := p.Graph.RecordEntitlement(ctx, e.ActorID, e.SubjectID, e.ID, relationship.Metadata(e)); err != nil {
			graphErrs = append(graphErrs, err)
		}
	}
	return true, errors.Join(graphErrs...)
}

func (p *Processor) revoke(ctx context.Context, ev *event.InboundEvent) (bool, error) {
	reason := ev.Reason
	if reason == "" {
		reason = string(ev.Type)
	}

	var ents, revoked []*entitlement.Entitlement

	txCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	err := p.Tx.WithinTransaction(txCtx, func(ctx context.Context) error {
		revoked = revoked[:0]
		// The purchase appends to the inbox in the same transaction that creates
		// its entitlements, so once it is visible here its rows are too.
		seen, err := p.Inbox.Contains(ctx, ev.SourceEventID)
		if err != nil {
			return fmt.Errorf("lookup source event: %w", err)
		}
		if !seen {
			return fmt.Errorf("%w: %s", ErrSourceNotVisible, ev.SourceEventID)
		}

		ents, err = p.Entitlements.ListBySourceEvent(ctx, ev.SourceEventID)
		if err != nil {
			return fmt.Errorf("lock entitlements: %w", err)
		}

		for _, e := range ents {
			if e.ActorID != ev.ActorID {
				p.Logger.Warn("revocation actor differs from entitlement holder",
					"event_id", ev.ID, "entitlement_id", e.ID, "holder", e.ActorID, "actor_id", ev.ActorID)
			}
			if e.Status != entitlement.StatusActive {
				continue
			}
			ok, err := p.Tokens.Revoke(ctx, e.ID, reason)
			if err != nil {
				return err
			}
			if ok {
				revoked = append(revoked, e)
			}
		}
		return p.markProcessed(ctx, ev)
	})
	if err != nil {
		return false, err
	}

	p.notify(ctx, notify.KindEntitlementRevoked, revoked)

	// Already revoked edges are revoked again; the write is idempotent and
	// repairs an edge a previous attempt failed to update.
	var graphErrs []error
	for _, e := range ents {
		if err := p.Graph.RevokeEntitlement(ctx, e.ID); err != nil {
			graphErrs = append(graphErrs, err)
		}
	}
	return true, errors.Join(graphErrs...)
}

func (p *Processor) markProcessed(ctx context.Context, ev *event.InboundEvent) error {
	err := p.Inbox.Append(ctx, &inbox.Event{
		EventID:     ev.ID,
		EventType:   string(ev.Type),
		ActorID:     ev.ActorID,
		ProcessedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}
