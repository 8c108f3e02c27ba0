package infrastructure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/shared/events"
	"github.com/orderflow/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, evts ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evts...)
	return nil
}

func (p *capturingPublisher) last(t *testing.T) *events.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.events)
	return p.events[len(p.events)-1]
}

func reserveCommand(t *testing.T) *domain.Command {
	t.Helper()
	orderID := models.GenerateUUID()
	return domain.NewCommand(events.ReserveProductCommand, orderID, domain.StepProductReservationRequested, domain.ReserveProductData{
		OrderID:   orderID,
		ProductID: models.GenerateUUID(),
		Quantity:  2,
	})
}

func TestSNSCommandDispatcher_ResolveFromReply(t *testing.T) {
	publisher := &capturingPublisher{}
	dispatcher := NewSNSCommandDispatcher(publisher, time.Minute)
	cmd := reserveCommand(t)

	results := dispatcher.Dispatch(context.Background(), cmd)

	sent := publisher.last(t)
	key, ok := sent.Metadata.Get(CommandKeyMetadata)
	require.True(t, ok)
	assert.Equal(t, cmd.IdempotencyKey, key)
	assert.Equal(t, cmd.CorrelationID, sent.CorrelationID)

	reply := events.NewEvent(cmd.CorrelationID, events.ProductReservedEvent, domain.ProductReservedData{
		OrderID:       cmd.CorrelationID,
		ReservationID: models.GenerateUUID(),
	}).WithMetadata(CommandKeyMetadata, key)

	assert.True(t, dispatcher.ResolveFromEvent(reply))

	select {
	case res := <-results:
		assert.True(t, res.Success)
		assert.Equal(t, cmd.IdempotencyKey, res.IdempotencyKey)
	default:
		t.Fatal("expected a resolved result")
	}

	// the command is no longer pending; a duplicate reply resolves nothing
	assert.False(t, dispatcher.ResolveFromEvent(reply))
}

func TestSNSCommandDispatcher_FailureReply(t *testing.T) {
	publisher := &capturingPublisher{}
	dispatcher := NewSNSCommandDispatcher(publisher, time.Minute)
	cmd := reserveCommand(t)

	results := dispatcher.Dispatch(context.Background(), cmd)

	reply := events.NewEvent(cmd.CorrelationID, events.ProductReservationFailedEvent, nil).
		WithMetadata(CommandKeyMetadata, cmd.IdempotencyKey)
	assert.True(t, dispatcher.ResolveFromEvent(reply))

	res := <-results
	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonRejected, res.Reason)
}

func TestSNSCommandDispatcher_IgnoresUnrelatedEvents(t *testing.T) {
	publisher := &capturingPublisher{}
	dispatcher := NewSNSCommandDispatcher(publisher, time.Minute)
	cmd := reserveCommand(t)
	dispatcher.Dispatch(context.Background(), cmd)

	noKey := events.NewEvent(cmd.CorrelationID, events.ProductReservedEvent, nil)
	assert.False(t, dispatcher.ResolveFromEvent(noKey))

	unknownKey := events.NewEvent(cmd.CorrelationID, events.ProductReservedEvent, nil).
		WithMetadata(CommandKeyMetadata, "someone-else")
	assert.False(t, dispatcher.ResolveFromEvent(unknownKey))
}

func TestSNSCommandDispatcher_PublishFailure(t *testing.T) {
	publisher := &capturingPublisher{err: errors.New("sns unavailable")}
	dispatcher := NewSNSCommandDispatcher(publisher, time.Minute)
	cmd := reserveCommand(t)

	results := dispatcher.Dispatch(context.Background(), cmd)

	res := <-results
	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonDispatchUnavailable, res.Reason)
}

func TestSNSCommandDispatcher_Timeout(t *testing.T) {
	publisher := &capturingPublisher{}
	dispatcher := NewSNSCommandDispatcher(publisher, 20*time.Millisecond)
	cmd := reserveCommand(t)

	results := dispatcher.Dispatch(context.Background(), cmd)

	select {
	case res := <-results:
		assert.False(t, res.Success)
		assert.Equal(t, domain.ReasonTimeout, res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected timeout resolution")
	}
}

func TestSNSCommandDispatcher_Close(t *testing.T) {
	publisher := &capturingPublisher{}
	dispatcher := NewSNSCommandDispatcher(publisher, time.Minute)
	cmd := reserveCommand(t)

	results := dispatcher.Dispatch(context.Background(), cmd)
	require.NoError(t, dispatcher.Close())

	res := <-results
	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonDispatchUnavailable, res.Reason)
}
