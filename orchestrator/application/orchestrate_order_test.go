package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/orchestrator/infrastructure"
	"github.com/orderflow/order-system/shared/events"
	"github.com/orderflow/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher records dispatched commands and resolves them with the
// programmed outcome; commands with no programmed outcome stay pending.
type fakeDispatcher struct {
	mu       sync.Mutex
	commands []*domain.Command
	outcomes map[string]func(cmd *domain.Command) domain.DispatchResult
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		outcomes: make(map[string]func(cmd *domain.Command) domain.DispatchResult),
	}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, cmd *domain.Command) <-chan domain.DispatchResult {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	outcome := d.outcomes[cmd.Type]
	d.mu.Unlock()

	ch := make(chan domain.DispatchResult, 1)
	if outcome != nil {
		ch <- outcome(cmd)
	}
	return ch
}

func (d *fakeDispatcher) dispatched() []*domain.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*domain.Command(nil), d.commands...)
}

func (d *fakeDispatcher) commandTypes() []string {
	var types []string
	for _, cmd := range d.dispatched() {
		types = append(types, cmd.Type)
	}
	return types
}

// fakePublisher records published events
type fakePublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, evts ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evts...)
	return nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, e := range p.events {
		types = append(types, e.EventType)
	}
	return types
}

func newUseCase() (*OrchestrateOrder, *domain.Registry, domain.SagaRepository, *fakeDispatcher, *fakePublisher) {
	registry := domain.NewRegistry()
	repo := infrastructure.NewMemorySagaRepository()
	dispatcher := newFakeDispatcher()
	publisher := &fakePublisher{}
	uc := NewOrchestrateOrder(registry, repo, dispatcher, publisher)
	return uc, registry, repo, dispatcher, publisher
}

func orderCreatedEvent(orderID models.ID) *events.Event {
	return events.NewEvent(orderID, events.OrderCreatedEvent, domain.OrderCreatedData{
		OrderID:   orderID,
		ProductID: models.ID("550e8400-e29b-41d4-a716-446655440001"),
		Quantity:  1,
		UserID:    models.ID("550e8400-e29b-41d4-a716-446655440002"),
		Amount:    models.NewMoney(2500, "USD"),
	})
}

func TestOrchestrateOrder_HappyPath(t *testing.T) {
	uc, registry, repo, dispatcher, publisher := newUseCase()
	ctx := context.Background()
	orderID := models.GenerateUUID()

	require.NoError(t, uc.StartSaga(ctx, orderCreatedEvent(orderID)))

	assert.Equal(t, []string{events.ReserveProductCommand}, dispatcher.commandTypes())
	assert.Contains(t, publisher.eventTypes(), events.SagaStartedEvent)

	err := uc.ApplySignal(ctx, orderID, domain.Signal{
		Kind: domain.KindProductReserved,
		Data: domain.ProductReservedData{OrderID: orderID, ReservationID: models.GenerateUUID()},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{events.ReserveProductCommand, events.ProcessPaymentCommand}, dispatcher.commandTypes())

	paymentID := models.GenerateUUID()
	err = uc.ApplySignal(ctx, orderID, domain.Signal{
		Kind: domain.KindPaymentProcessed,
		Data: domain.PaymentProcessedData{OrderID: orderID, PaymentID: paymentID},
	})
	require.NoError(t, err)

	types := publisher.eventTypes()
	assert.Contains(t, types, events.SagaCompletedEvent)
	assert.Contains(t, types, events.OrderApprovedEvent)
	assert.NotContains(t, types, events.SagaFailedEvent)

	// terminal sagas leave the registry but stay queryable in the store
	_, err = registry.Get(orderID)
	assert.Error(t, err)

	snap, err := repo.FindByID(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, domain.StepCompleted, snap.Step)
	assert.Equal(t, domain.OutcomeSuccess, snap.Outcome)
	assert.Equal(t, paymentID, snap.Data.PaymentID)
}

func TestOrchestrateOrder_DuplicateStart(t *testing.T) {
	uc, _, _, dispatcher, _ := newUseCase()
	ctx := context.Background()
	orderID := models.GenerateUUID()

	require.NoError(t, uc.StartSaga(ctx, orderCreatedEvent(orderID)))

	err := uc.StartSaga(ctx, orderCreatedEvent(orderID))
	assert.True(t, errors.Is(err, domain.ErrStaleEventIgnored))
	assert.Len(t, dispatcher.dispatched(), 1)
}

func TestOrchestrateOrder_StartRetryAfterPublishFailure(t *testing.T) {
	uc, _, repo, dispatcher, publisher := newUseCase()
	ctx := context.Background()
	orderID := models.GenerateUUID()

	publisher.setErr(errors.New("sns unavailable"))
	require.Error(t, uc.StartSaga(ctx, orderCreatedEvent(orderID)))
	assert.Empty(t, dispatcher.dispatched())

	// the queue redelivers the order created event once publishing recovers
	publisher.setErr(nil)
	require.NoError(t, uc.StartSaga(ctx, orderCreatedEvent(orderID)))

	assert.Equal(t, []string{events.ReserveProductCommand}, dispatcher.commandTypes())
	assert.Contains(t, publisher.eventTypes(), events.SagaStartedEvent)

	snap, err := repo.FindByID(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, domain.StepProductReservationRequested, snap.Step)

	// a third delivery after the command went out is absorbed
	err = uc.StartSaga(ctx, orderCreatedEvent(orderID))
	assert.True(t, errors.Is(err, domain.ErrStaleEventIgnored))
	assert.Len(t, dispatcher.dispatched(), 1)
}

func TestOrchestrateOrder_CompensationCommandSurvivesPublishFailure(t *testing.T) {
	uc, _, _, dispatcher, publisher := newUseCase()
	ctx := context.Background()
	orderID := models.GenerateUUID()

	require.NoError(t, uc.StartSaga(ctx, orderCreatedEvent(orderID)))
	require.NoError(t, uc.ApplySignal(ctx, orderID, domain.Signal{
		Kind: domain.KindProductReserved,
		Data: domain.ProductReservedData{OrderID: orderID, ReservationID: models.GenerateUUID()},
	}))

	publisher.setErr(errors.New("sns unavailable"))
	err := uc.ApplySignal(ctx, orderID, domain.Signal{
		Kind:   domain.KindPaymentFailed,
		Reason: domain.ReasonRejected,
	})
	require.Error(t, err)

	// the cancel went out even though the lifecycle publish failed
	assert.Equal(t, []string{
		events.ReserveProductCommand,
		events.ProcessPaymentCommand,
		events.CancelProductReservationCommand,
	}, dispatcher.commandTypes())

	// the redelivered failure event is a duplicate, not a poison message
	publisher.setErr(nil)
	err = uc.ApplySignal(ctx, orderID, domain.Signal{
		Kind:   domain.KindPaymentFailed,
		Reason: domain.ReasonRejected,
	})
	assert.True(t, errors.Is(err, domain.ErrStaleEventIgnored))
	assert.Len(t, dispatcher.dispatched(), 3)
}

func TestOrchestrateOrder_CompensationOnPaymentFailure(t *testing.T) {
	uc, _, repo, dispatcher, publisher := newUseCase()
	ctx := context.Background()
	orderID := models.GenerateUUID()

	require.NoError(t, uc.StartSaga(ctx, orderCreatedEvent(orderID)))
	require.NoError(t, uc.ApplySignal(ctx, orderID, domain.Signal{
		Kind: domain.KindProductReserved,
		Data: domain.ProductReservedData{OrderID: orderID, ReservationID: models.GenerateUUID()},
	}))

	require.NoError(t, uc.ApplySignal(ctx, orderID, domain.Signal{
		Kind:   domain.KindPaymentFailed,
		Reason: domain.ReasonRejected,
	}))

	assert.Equal(t, []string{
		events.ReserveProductCommand,
		events.ProcessPaymentCommand,
		events.CancelProductReservationCommand,
	}, dispatcher.commandTypes())
	assert.Contains(t, publisher.eventTypes(), events.SagaCompensatedEvent)

	require.NoError(t, uc.ApplySignal(ctx, orderID, domain.Signal{
		Kind: domain.KindCompensationApplied,
	}))

	types := publisher.eventTypes()
	assert.Contains(t, types, events.SagaFailedEvent)
	assert.Contains(t, types, events.OrderRejectedEvent)

	snap, err := repo.FindByID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, snap.Step)
	assert.Equal(t, domain.OutcomeFailed, snap.Outcome)
}

func TestOrchestrateOrder_DispatchResultsDriveTheSaga(t *testing.T) {
	uc, _, repo, dispatcher, publisher := newUseCase()
	ctx := context.Background()
	orderID := models.GenerateUUID()

	dispatcher.outcomes[events.ReserveProductCommand] = func(cmd *domain.Command) domain.DispatchResult {
		return domain.Succeeded(cmd, domain.ProductReservedData{
			OrderID:       orderID,
			ReservationID: models.GenerateUUID(),
		})
	}
	dispatcher.outcomes[events.ProcessPaymentCommand] = func(cmd *domain.Command) domain.DispatchResult {
		return domain.Succeeded(cmd, domain.PaymentProcessedData{
			OrderID:   orderID,
			PaymentID: models.GenerateUUID(),
		})
	}

	require.NoError(t, uc.StartSaga(ctx, orderCreatedEvent(orderID)))

	assert.Eventually(t, func() bool {
		snap, err := repo.FindByID(ctx, orderID)
		return err == nil && snap != nil && snap.Step == domain.StepCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, publisher.eventTypes(), events.OrderApprovedEvent)
}

func TestOrchestrateOrder_TimeoutTriggersCompensation(t *testing.T) {
	uc, _, repo, dispatcher, _ := newUseCase()
	ctx := context.Background()
	orderID := models.GenerateUUID()

	dispatcher.outcomes[events.ReserveProductCommand] = func(cmd *domain.Command) domain.DispatchResult {
		return domain.Failed(cmd, domain.ReasonTimeout, "no reply within deadline")
	}

	require.NoError(t, uc.StartSaga(ctx, orderCreatedEvent(orderID)))

	assert.Eventually(t, func() bool {
		snap, err := repo.FindByID(ctx, orderID)
		return err == nil && snap != nil && snap.Step == domain.StepFailed
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := repo.FindByID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTimeout, snap.FailureReason)
}

func TestOrchestrateOrder_OrphanSignal(t *testing.T) {
	uc, _, _, _, _ := newUseCase()
	ctx := context.Background()

	err := uc.ApplySignal(ctx, models.GenerateUUID(), domain.Signal{Kind: domain.KindProductReserved})
	assert.True(t, errors.Is(err, domain.ErrOrphanEvent))
}

func TestOrchestrateOrder_Recover(t *testing.T) {
	registry := domain.NewRegistry()
	repo := infrastructure.NewMemorySagaRepository()
	dispatcher := newFakeDispatcher()
	publisher := &fakePublisher{}
	ctx := context.Background()
	orderID := models.GenerateUUID()

	// a saga mid-flight when the previous process died
	in, reserveCmd, err := domain.Start(orderCreatedEvent(orderID))
	require.NoError(t, err)
	in.MarkDispatched(reserveCmd)
	require.NoError(t, repo.Save(ctx, in.Snapshot()))

	uc := NewOrchestrateOrder(registry, repo, dispatcher, publisher)
	require.NoError(t, uc.Recover(ctx))

	// the in-flight command went out again under the same idempotency key
	cmds := dispatcher.dispatched()
	require.Len(t, cmds, 1)
	assert.Equal(t, reserveCmd.IdempotencyKey, cmds[0].IdempotencyKey)

	// and the restored saga keeps making progress
	require.NoError(t, uc.ApplySignal(ctx, orderID, domain.Signal{
		Kind: domain.KindProductReserved,
		Data: domain.ProductReservedData{OrderID: orderID, ReservationID: models.GenerateUUID()},
	}))
	assert.Len(t, dispatcher.dispatched(), 2)
}

func TestOrchestrateOrder_SignalAfterEviction(t *testing.T) {
	uc, registry, repo, dispatcher, _ := newUseCase()
	ctx := context.Background()
	orderID := models.GenerateUUID()

	require.NoError(t, uc.StartSaga(ctx, orderCreatedEvent(orderID)))

	// fail the saga by hand, persist the terminal snapshot, evict the entry
	var snap *domain.Snapshot
	err := registry.Update(orderID, func(in *domain.Instance) error {
		_, err := in.Advance(domain.Signal{Kind: domain.KindProductReservationFailed, Reason: domain.ReasonRejected})
		snap = in.Snapshot()
		return err
	})
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, snap))
	require.NoError(t, registry.Remove(orderID))

	// the saga failed with nothing to compensate; a late reply is stale
	err = uc.ApplySignal(ctx, orderID, domain.Signal{Kind: domain.KindProductReserved})
	assert.True(t, errors.Is(err, domain.ErrStaleEventIgnored))
	assert.Len(t, dispatcher.dispatched(), 1)
}
