package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/shared/events"
	"github.com/puzpuzpuz/xsync/v3"
)

// CommandKeyMetadata is the metadata key carrying a command's idempotency
// key. Participant services echo it on their reply events so the dispatcher
// can resolve the matching in-flight command.
const CommandKeyMetadata = "command_key"

var _ domain.CommandDispatcher = (*SNSCommandDispatcher)(nil)

// SNSCommandDispatcher publishes commands to the command topic and resolves
// each returned channel exactly once: from the participant's reply event,
// from a publish error, or from the reply deadline elapsing. The channel is
// buffered so resolution never blocks on a caller that moved on.
type SNSCommandDispatcher struct {
	publisher events.Publisher
	timeout   time.Duration
	pending   *xsync.MapOf[string, *pendingCommand]
}

type pendingCommand struct {
	ch    chan domain.DispatchResult
	cmd   *domain.Command
	timer *time.Timer
	once  sync.Once
}

// NewSNSCommandDispatcher creates a dispatcher with the given reply timeout
func NewSNSCommandDispatcher(publisher events.Publisher, timeout time.Duration) *SNSCommandDispatcher {
	return &SNSCommandDispatcher{
		publisher: publisher,
		timeout:   timeout,
		pending:   xsync.NewMapOf[string, *pendingCommand](),
	}
}

// Dispatch implements domain.CommandDispatcher
func (d *SNSCommandDispatcher) Dispatch(ctx context.Context, cmd *domain.Command) <-chan domain.DispatchResult {
	p := &pendingCommand{
		ch:  make(chan domain.DispatchResult, 1),
		cmd: cmd,
	}
	d.pending.Store(cmd.IdempotencyKey, p)

	event := events.NewEvent(cmd.CorrelationID, cmd.Type, cmd.Data).
		WithCorrelationID(cmd.CorrelationID).
		WithMetadata(CommandKeyMetadata, cmd.IdempotencyKey).
		WithMetadata("command_id", cmd.ID.String())

	if err := d.publisher.Publish(ctx, event); err != nil {
		d.resolve(cmd.IdempotencyKey, domain.Failed(cmd, domain.ReasonDispatchUnavailable, err.Error()))
		return p.ch
	}

	p.timer = time.AfterFunc(d.timeout, func() {
		d.resolve(cmd.IdempotencyKey, domain.Failed(cmd, domain.ReasonTimeout, "no reply within deadline"))
	})

	return p.ch
}

// ResolveFromEvent resolves the in-flight command a reply event answers,
// identified by the echoed command key. Returns false when the event
// carries no key or no command is waiting, which is the normal case for
// events that race ahead of their dispatch bookkeeping.
func (d *SNSCommandDispatcher) ResolveFromEvent(event *events.Event) bool {
	key, ok := event.Metadata.Get(CommandKeyMetadata)
	if !ok || key == "" {
		return false
	}

	p, ok := d.pending.Load(key)
	if !ok {
		return false
	}

	switch event.EventType {
	case events.ProductReservedEvent,
		events.PaymentProcessedEvent,
		events.ProductReservationCancelledEvent,
		events.PaymentRefundedEvent:
		return d.resolve(key, domain.Succeeded(p.cmd, event.Data))
	case events.ProductReservationFailedEvent, events.PaymentFailedEvent:
		return d.resolve(key, domain.Failed(p.cmd, domain.ReasonRejected, "rejected by owning service"))
	default:
		return false
	}
}

// Close fails every in-flight command so awaiting goroutines unwind
func (d *SNSCommandDispatcher) Close() error {
	d.pending.Range(func(key string, p *pendingCommand) bool {
		d.resolve(key, domain.Failed(p.cmd, domain.ReasonDispatchUnavailable, "dispatcher closed"))
		return true
	})
	return nil
}

func (d *SNSCommandDispatcher) resolve(key string, res domain.DispatchResult) bool {
	p, ok := d.pending.LoadAndDelete(key)
	if !ok {
		return false
	}

	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- res
	})
	return true
}
