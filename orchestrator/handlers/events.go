package handlers

import (
	"context"
	"fmt"

	"github.com/orderflow/order-system/orchestrator/application"
	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/shared/events"
	"github.com/pkg/errors"
)

// SagaEventHandlers routes participant events into the orchestration use
// case, normalized as state machine signals
type SagaEventHandlers struct {
	orchestrateOrder *application.OrchestrateOrder
}

// NewSagaEventHandlers creates new saga event handlers
func NewSagaEventHandlers(orchestrateOrder *application.OrchestrateOrder) *SagaEventHandlers {
	return &SagaEventHandlers{
		orchestrateOrder: orchestrateOrder,
	}
}

// Handle implements the events.EventHandler interface
func (h *SagaEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch event.EventType {
	case events.OrderCreatedEvent:
		return h.HandleOrderCreated(ctx, event)
	case events.ProductReservedEvent:
		return h.HandleProductReserved(ctx, event)
	case events.ProductReservationFailedEvent:
		return h.handleStepFailure(ctx, event, domain.KindProductReservationFailed)
	case events.PaymentProcessedEvent:
		return h.HandlePaymentProcessed(ctx, event)
	case events.PaymentFailedEvent:
		return h.handleStepFailure(ctx, event, domain.KindPaymentFailed)
	case events.ProductReservationCancelledEvent, events.PaymentRefundedEvent:
		return h.HandleCompensationApplied(ctx, event)
	default:
		// Unknown event type, ignore
		return nil
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *SagaEventHandlers) HandlerID() string {
	return "order-orchestrator-event-handler"
}

// HandleOrderCreated starts a saga for a newly created order
func (h *SagaEventHandlers) HandleOrderCreated(ctx context.Context, event *events.Event) error {
	if err := h.orchestrateOrder.StartSaga(ctx, event); err != nil {
		if errors.Is(err, domain.ErrStaleEventIgnored) {
			return nil // redelivery of an order we already track
		}
		fmt.Printf("Failed to start saga for order %s: %v\n", event.Correlation(), err)
		return err
	}
	return nil
}

// HandleProductReserved handles successful reservation replies
func (h *SagaEventHandlers) HandleProductReserved(ctx context.Context, event *events.Event) error {
	var data domain.ProductReservedData
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "failed to parse product reserved data")
	}

	return h.apply(ctx, event, domain.Signal{
		Kind:     domain.KindProductReserved,
		Sequence: event.Sequence,
		Data:     data,
	})
}

// HandlePaymentProcessed handles successful payment replies
func (h *SagaEventHandlers) HandlePaymentProcessed(ctx context.Context, event *events.Event) error {
	var data domain.PaymentProcessedData
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "failed to parse payment processed data")
	}

	return h.apply(ctx, event, domain.Signal{
		Kind:     domain.KindPaymentProcessed,
		Sequence: event.Sequence,
		Data:     data,
	})
}

// HandleCompensationApplied handles reservation cancelled and payment
// refunded confirmations during the compensation walk
func (h *SagaEventHandlers) HandleCompensationApplied(ctx context.Context, event *events.Event) error {
	return h.apply(ctx, event, domain.Signal{
		Kind:     domain.KindCompensationApplied,
		Sequence: event.Sequence,
	})
}

func (h *SagaEventHandlers) handleStepFailure(ctx context.Context, event *events.Event, kind domain.SignalKind) error {
	var data StepFailureData
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "failed to parse step failure data")
	}

	reason := domain.ReasonRejected
	if data.Transient {
		reason = domain.ReasonExceptional
	}

	return h.apply(ctx, event, domain.Signal{
		Kind:     kind,
		Sequence: event.Sequence,
		Reason:   reason,
	})
}

// apply feeds the signal in and swallows the classifications that mean
// "nothing to do": duplicates and late deliveries. Orphans are swallowed
// too after logging, since redelivering them cannot help. Invariant
// violations propagate so the subscriber surfaces them.
func (h *SagaEventHandlers) apply(ctx context.Context, event *events.Event, sig domain.Signal) error {
	err := h.orchestrateOrder.ApplySignal(ctx, event.Correlation(), sig)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, domain.ErrStaleEventIgnored):
		return nil
	case errors.Is(err, domain.ErrOrphanEvent):
		fmt.Printf("Orphan event %s for unknown saga %s\n", event.EventType, event.Correlation())
		return nil
	default:
		fmt.Printf("Failed to apply %s for saga %s: %v\n", event.EventType, event.Correlation(), err)
		return err
	}
}

// StepFailureData is the payload of reservation and payment failure events
type StepFailureData struct {
	OrderID      string `json:"order_id"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Transient    bool   `json:"transient,omitempty"`
}
