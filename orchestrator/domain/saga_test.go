package domain

import (
	"testing"

	"github.com/orderflow/order-system/shared/events"
	"github.com/orderflow/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderCreated(orderID models.ID) *events.Event {
	return events.NewEvent(orderID, events.OrderCreatedEvent, OrderCreatedData{
		OrderID:   orderID,
		ProductID: models.ID("550e8400-e29b-41d4-a716-446655440001"),
		Quantity:  2,
		UserID:    models.ID("550e8400-e29b-41d4-a716-446655440002"),
		Amount:    models.NewMoney(5000, "USD"),
	})
}

func TestStart(t *testing.T) {
	orderID := models.GenerateUUID()

	t.Run("order created starts the saga with a reserve command", func(t *testing.T) {
		in, cmd, err := Start(orderCreated(orderID))
		require.NoError(t, err)

		assert.Equal(t, StepStarted, in.Step)
		assert.Equal(t, OutcomePending, in.Outcome)
		assert.Equal(t, orderID, in.OrderID)
		require.NotNil(t, cmd)
		assert.Equal(t, events.ReserveProductCommand, cmd.Type)
		assert.Equal(t, IdempotencyKey(orderID, StepProductReservationRequested), cmd.IdempotencyKey)
	})

	t.Run("any other event type cannot start a saga", func(t *testing.T) {
		event := events.NewEvent(orderID, events.ProductReservedEvent, nil)

		_, _, err := Start(event)
		assert.True(t, errors.Is(err, ErrUnexpectedStartEvent))
	})
}

func TestInstance_HappyPath(t *testing.T) {
	orderID := models.GenerateUUID()
	reservationID := models.GenerateUUID()
	paymentID := models.GenerateUUID()

	in, reserveCmd, err := Start(orderCreated(orderID))
	require.NoError(t, err)

	in.MarkDispatched(reserveCmd)
	assert.Equal(t, StepProductReservationRequested, in.Step)

	payCmd, err := in.Advance(Signal{
		Kind: KindProductReserved,
		Data: ProductReservedData{OrderID: orderID, ReservationID: reservationID},
	})
	require.NoError(t, err)
	require.NotNil(t, payCmd)
	assert.Equal(t, events.ProcessPaymentCommand, payCmd.Type)
	assert.Equal(t, StepProductReserved, in.Step)
	assert.Equal(t, reservationID, in.Data.ReservationID)
	assert.Equal(t, []Step{StepProductReserved}, in.CompletedSteps)

	in.MarkDispatched(payCmd)
	assert.Equal(t, StepPaymentRequested, in.Step)

	next, err := in.Advance(Signal{
		Kind: KindPaymentProcessed,
		Data: PaymentProcessedData{OrderID: orderID, PaymentID: paymentID},
	})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, StepCompleted, in.Step)
	assert.Equal(t, OutcomeSuccess, in.Outcome)
	assert.Equal(t, paymentID, in.Data.PaymentID)
	assert.True(t, in.Terminal())
}

func TestInstance_DispatchResultDrivesProgress(t *testing.T) {
	orderID := models.GenerateUUID()

	in, reserveCmd, err := Start(orderCreated(orderID))
	require.NoError(t, err)
	in.MarkDispatched(reserveCmd)

	payCmd, err := in.Advance(Signal{
		Kind:  KindDispatchSucceeded,
		Token: reserveCmd.IdempotencyKey,
		Data:  ProductReservedData{OrderID: orderID, ReservationID: models.GenerateUUID()},
	})
	require.NoError(t, err)
	require.NotNil(t, payCmd)
	assert.Equal(t, events.ProcessPaymentCommand, payCmd.Type)

	// the late forward event for the same step is a duplicate
	in.MarkDispatched(payCmd)
	_, err = in.Advance(Signal{
		Kind: KindProductReserved,
		Data: ProductReservedData{OrderID: orderID},
	})
	assert.True(t, errors.Is(err, ErrStaleEventIgnored))
}

func TestInstance_CompensationWalk(t *testing.T) {
	orderID := models.GenerateUUID()
	reservationID := models.GenerateUUID()

	in, reserveCmd, err := Start(orderCreated(orderID))
	require.NoError(t, err)
	in.MarkDispatched(reserveCmd)

	payCmd, err := in.Advance(Signal{
		Kind: KindProductReserved,
		Data: ProductReservedData{OrderID: orderID, ReservationID: reservationID},
	})
	require.NoError(t, err)
	in.MarkDispatched(payCmd)

	// payment rejected: walk backward over the reservation
	cancelCmd, err := in.Advance(Signal{Kind: KindPaymentFailed, Reason: ReasonRejected})
	require.NoError(t, err)
	require.NotNil(t, cancelCmd)
	assert.Equal(t, events.CancelProductReservationCommand, cancelCmd.Type)
	assert.Equal(t, StepCompensating, in.Step)
	assert.Equal(t, ReasonRejected, in.FailureReason)

	cancelData, ok := cancelCmd.Data.(CancelReservationData)
	require.True(t, ok)
	assert.Equal(t, reservationID, cancelData.ReservationID)

	in.MarkDispatched(cancelCmd)
	assert.Equal(t, StepCompensating, in.Step)

	next, err := in.Advance(Signal{Kind: KindCompensationApplied})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, StepFailed, in.Step)
	assert.Equal(t, OutcomeFailed, in.Outcome)
}

func TestInstance_FailureBeforeAnyCompletedStep(t *testing.T) {
	orderID := models.GenerateUUID()

	in, reserveCmd, err := Start(orderCreated(orderID))
	require.NoError(t, err)
	in.MarkDispatched(reserveCmd)

	next, err := in.Advance(Signal{
		Kind:   KindDispatchFailed,
		Token:  reserveCmd.IdempotencyKey,
		Reason: ReasonTimeout,
	})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, StepFailed, in.Step)
	assert.Equal(t, OutcomeFailed, in.Outcome)
	assert.Equal(t, ReasonTimeout, in.FailureReason)
}

func TestInstance_Advance_Rejections(t *testing.T) {
	orderID := models.GenerateUUID()

	newRequested := func(t *testing.T) (*Instance, *Command) {
		in, cmd, err := Start(orderCreated(orderID))
		require.NoError(t, err)
		in.MarkDispatched(cmd)
		return in, cmd
	}

	t.Run("terminal instance ignores everything", func(t *testing.T) {
		in, cmd := newRequested(t)
		_, err := in.Advance(Signal{Kind: KindDispatchFailed, Token: cmd.IdempotencyKey, Reason: ReasonTimeout})
		require.NoError(t, err)
		require.True(t, in.Terminal())

		_, err = in.Advance(Signal{Kind: KindProductReserved})
		assert.True(t, errors.Is(err, ErrStaleEventIgnored))
	})

	t.Run("stale sequence is ignored", func(t *testing.T) {
		event := orderCreated(orderID).WithSequence(5)
		in, _, err := Start(event)
		require.NoError(t, err)

		_, err = in.Advance(Signal{Kind: KindProductReserved, Sequence: 5})
		assert.True(t, errors.Is(err, ErrStaleEventIgnored))
	})

	t.Run("result for a different command is ignored", func(t *testing.T) {
		in, _ := newRequested(t)
		_, err := in.Advance(Signal{Kind: KindDispatchSucceeded, Token: "someone-else"})
		assert.True(t, errors.Is(err, ErrStaleEventIgnored))
	})

	t.Run("already applied command result is ignored", func(t *testing.T) {
		in, cmd := newRequested(t)
		payCmd, err := in.Advance(Signal{Kind: KindDispatchSucceeded, Token: cmd.IdempotencyKey})
		require.NoError(t, err)
		in.MarkDispatched(payCmd)

		_, err = in.Advance(Signal{Kind: KindDispatchSucceeded, Token: cmd.IdempotencyKey})
		assert.True(t, errors.Is(err, ErrStaleEventIgnored))
	})

	t.Run("undefined combination is an invariant violation", func(t *testing.T) {
		in, _ := newRequested(t)
		_, err := in.Advance(Signal{Kind: KindPaymentProcessed})
		assert.True(t, errors.Is(err, ErrInvariantViolation))
	})

	t.Run("redelivered failure event during compensation is history", func(t *testing.T) {
		in, cmd := newRequested(t)
		payCmd, err := in.Advance(Signal{
			Kind:  KindDispatchSucceeded,
			Token: cmd.IdempotencyKey,
			Data:  ProductReservedData{OrderID: orderID},
		})
		require.NoError(t, err)
		in.MarkDispatched(payCmd)

		_, err = in.Advance(Signal{Kind: KindPaymentFailed, Reason: ReasonRejected})
		require.NoError(t, err)
		require.Equal(t, StepCompensating, in.Step)

		_, err = in.Advance(Signal{Kind: KindPaymentFailed, Reason: ReasonRejected})
		assert.True(t, errors.Is(err, ErrStaleEventIgnored))
	})

	t.Run("redelivered failure event after the walk finished is history", func(t *testing.T) {
		in, cmd := newRequested(t)
		_, err := in.Advance(Signal{Kind: KindDispatchFailed, Token: cmd.IdempotencyKey, Reason: ReasonRejected})
		require.NoError(t, err)
		require.Equal(t, StepFailed, in.Step)

		_, err = in.Advance(Signal{Kind: KindProductReservationFailed, Reason: ReasonRejected})
		assert.True(t, errors.Is(err, ErrStaleEventIgnored))
	})

	t.Run("forward event during compensation is history", func(t *testing.T) {
		in, cmd := newRequested(t)
		payCmd, err := in.Advance(Signal{
			Kind:  KindDispatchSucceeded,
			Token: cmd.IdempotencyKey,
			Data:  ProductReservedData{OrderID: orderID},
		})
		require.NoError(t, err)
		in.MarkDispatched(payCmd)

		cancelCmd, err := in.Advance(Signal{Kind: KindPaymentFailed, Reason: ReasonRejected})
		require.NoError(t, err)
		in.MarkDispatched(cancelCmd)

		_, err = in.Advance(Signal{Kind: KindProductReserved})
		assert.True(t, errors.Is(err, ErrStaleEventIgnored))
	})
}

func TestInstance_SnapshotRestore(t *testing.T) {
	orderID := models.GenerateUUID()

	in, reserveCmd, err := Start(orderCreated(orderID))
	require.NoError(t, err)
	in.MarkDispatched(reserveCmd)

	payCmd, err := in.Advance(Signal{
		Kind: KindProductReserved,
		Data: ProductReservedData{OrderID: orderID, ReservationID: models.GenerateUUID()},
	})
	require.NoError(t, err)
	in.MarkDispatched(payCmd)

	snap := in.Snapshot()
	restored := RestoreInstance(snap)

	assert.Equal(t, in.Step, restored.Step)
	assert.Equal(t, in.Data, restored.Data)
	assert.Equal(t, in.CompletedSteps, restored.CompletedSteps)
	require.NotNil(t, restored.Pending())
	assert.Equal(t, payCmd.IdempotencyKey, restored.Pending().IdempotencyKey)

	// the settled reserve command stays settled after a restore
	_, err = restored.Advance(Signal{Kind: KindDispatchSucceeded, Token: reserveCmd.IdempotencyKey})
	assert.True(t, errors.Is(err, ErrStaleEventIgnored))

	// and the restored instance still completes normally
	next, err := restored.Advance(Signal{
		Kind: KindPaymentProcessed,
		Data: PaymentProcessedData{OrderID: orderID, PaymentID: models.GenerateUUID()},
	})
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, StepCompleted, restored.Step)
}
