package infrastructure

import (
	"context"

	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/shared/events"
	"github.com/orderflow/order-system/shared/models"
	"github.com/pkg/errors"
)

var _ events.EventHandler = (*MockParticipants)(nil)

// MockParticipants stands in for the product and payment services during
// local runs and demos: it answers each command event with the reply the
// real service would send, echoing the command key so the dispatcher can
// resolve its future. Reservations fail for non-positive quantities and
// payments fail above the configured limit, which is enough to exercise
// both the happy path and the compensation walk end to end.
type MockParticipants struct {
	publisher        events.Publisher
	maxPaymentAmount int64
}

// NewMockParticipants creates mock participant services. A zero limit
// approves every payment.
func NewMockParticipants(publisher events.Publisher, maxPaymentAmount int64) *MockParticipants {
	return &MockParticipants{
		publisher:        publisher,
		maxPaymentAmount: maxPaymentAmount,
	}
}

// HandlerID returns the unique identifier for this event handler
func (m *MockParticipants) HandlerID() string {
	return "mock-participants"
}

// Handle implements the events.EventHandler interface
func (m *MockParticipants) Handle(ctx context.Context, event *events.Event) error {
	switch event.EventType {
	case events.ReserveProductCommand:
		return m.handleReserveProduct(ctx, event)
	case events.CancelProductReservationCommand:
		return m.reply(ctx, event, events.ProductReservationCancelledEvent, nil)
	case events.ProcessPaymentCommand:
		return m.handleProcessPayment(ctx, event)
	case events.RefundPaymentCommand:
		return m.reply(ctx, event, events.PaymentRefundedEvent, nil)
	default:
		return nil
	}
}

func (m *MockParticipants) handleReserveProduct(ctx context.Context, event *events.Event) error {
	var data domain.ReserveProductData
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "failed to parse reserve product data")
	}

	if data.Quantity <= 0 {
		return m.reply(ctx, event, events.ProductReservationFailedEvent, map[string]interface{}{
			"order_id":      data.OrderID,
			"error_code":    "invalid_quantity",
			"error_message": "quantity must be positive",
		})
	}

	return m.reply(ctx, event, events.ProductReservedEvent, domain.ProductReservedData{
		OrderID:       data.OrderID,
		ProductID:     data.ProductID,
		ReservationID: models.GenerateUUID(),
	})
}

func (m *MockParticipants) handleProcessPayment(ctx context.Context, event *events.Event) error {
	var data domain.ProcessPaymentData
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "failed to parse process payment data")
	}

	if m.maxPaymentAmount > 0 && data.Amount.Amount > m.maxPaymentAmount {
		return m.reply(ctx, event, events.PaymentFailedEvent, map[string]interface{}{
			"order_id":      data.OrderID,
			"error_code":    "amount_limit_exceeded",
			"error_message": "payment amount exceeds the configured limit",
		})
	}

	return m.reply(ctx, event, events.PaymentProcessedEvent, domain.PaymentProcessedData{
		OrderID:   data.OrderID,
		PaymentID: models.GenerateUUID(),
	})
}

func (m *MockParticipants) reply(ctx context.Context, cmd *events.Event, eventType string, data interface{}) error {
	reply := events.NewEvent(cmd.AggregateID, eventType, data).
		WithCorrelationID(cmd.Correlation())

	if key, ok := cmd.Metadata.Get(CommandKeyMetadata); ok {
		reply.WithMetadata(CommandKeyMetadata, key)
	}

	return errors.Wrapf(m.publisher.Publish(ctx, reply), "failed to publish %s", eventType)
}
