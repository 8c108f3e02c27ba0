package infrastructure

import (
	"context"
	"fmt"

	"github.com/orderflow/order-system/shared/events"
	"github.com/pkg/errors"
)

var _ events.Publisher = (*AuditPublisher)(nil)

// AuditPublisher decorates a Publisher with an append to the event store,
// keyed by correlation so the full history of a transaction can be read
// back in order. A store failure does not block publishing; the bus is the
// source of progress, the store is the audit trail.
type AuditPublisher struct {
	next  events.Publisher
	store events.EventStore
}

// NewAuditPublisher creates a publisher that records events before sending
func NewAuditPublisher(next events.Publisher, store events.EventStore) *AuditPublisher {
	return &AuditPublisher{
		next:  next,
		store: store,
	}
}

// Publish implements events.Publisher
func (p *AuditPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	for _, event := range evts {
		// -1 skips the optimistic version check; the audit stream is
		// append-only and has no aggregate invariant to protect
		if err := p.store.SaveEvents(ctx, event.Correlation(), []*events.Event{event}, -1); err != nil {
			fmt.Printf("Failed to record event %s in audit store: %v\n", event.EventType, err)
		}
	}

	return errors.Wrap(p.next.Publish(ctx, evts...), "failed to publish events")
}
