package domain

import (
	"github.com/orderflow/order-system/shared/events"
	"github.com/orderflow/order-system/shared/models"
	"github.com/pkg/errors"
)

// Step is the position of a saga instance in its state machine
type Step string

const (
	StepStarted                     Step = "started"
	StepProductReservationRequested Step = "product_reservation_requested"
	StepProductReserved             Step = "product_reserved"
	StepPaymentRequested            Step = "payment_requested"
	StepPaymentCompleted            Step = "payment_completed"
	StepCompensating                Step = "compensating"
	StepFailed                      Step = "failed"
	StepCompleted                   Step = "completed"
)

// Outcome is the overall result of the distributed transaction
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// SignalKind identifies the fact a signal carries into the state machine
type SignalKind string

const (
	KindProductReserved          SignalKind = "product_reserved"
	KindProductReservationFailed SignalKind = "product_reservation_failed"
	KindPaymentProcessed         SignalKind = "payment_processed"
	KindPaymentFailed            SignalKind = "payment_failed"
	KindCompensationApplied      SignalKind = "compensation_applied"
	KindDispatchSucceeded        SignalKind = "dispatch_succeeded"
	KindDispatchFailed           SignalKind = "dispatch_failed"
)

// Signal is a forward-progress domain event or a command dispatch result,
// normalized for the transition table. Token is set for dispatch results and
// must match the instance's in-flight command; Sequence is the producer's
// per-correlation sequence number (0 when unsequenced).
type Signal struct {
	Kind     SignalKind
	Sequence int64
	Token    string
	Reason   FailureReason
	Data     interface{}
}

// OrderData is the payload accumulated over the saga's lifetime
type OrderData struct {
	OrderID       models.ID    `json:"order_id"`
	ProductID     models.ID    `json:"product_id"`
	Quantity      int          `json:"quantity"`
	UserID        models.ID    `json:"user_id"`
	Amount        models.Money `json:"amount"`
	ReservationID models.ID    `json:"reservation_id,omitempty"`
	PaymentID     models.ID    `json:"payment_id,omitempty"`
}

// Typed signal payloads, decoded by the inbound handlers
type ProductReservedData struct {
	OrderID       models.ID `json:"order_id"`
	ProductID     models.ID `json:"product_id"`
	ReservationID models.ID `json:"reservation_id"`
}

type PaymentProcessedData struct {
	OrderID   models.ID `json:"order_id"`
	PaymentID models.ID `json:"payment_id"`
}

type OrderCreatedData struct {
	OrderID   models.ID    `json:"order_id"`
	ProductID models.ID    `json:"product_id"`
	Quantity  int          `json:"quantity"`
	UserID    models.ID    `json:"user_id"`
	Amount    models.Money `json:"amount"`
}

// Instance is the per-transaction saga state. All mutation must happen
// under the registry's per-key lock; the struct itself is not synchronized.
type Instance struct {
	OrderID        models.ID
	Step           Step
	Outcome        Outcome
	Data           OrderData
	CompletedSteps []Step
	FailureReason  FailureReason
	LastSequence   int64
	Timestamps     models.Timestamps
	Version        models.Version

	pending *Command
	applied map[string]bool
}

// Start creates a new instance from the designated start event. Any other
// event type for an unknown correlation key is ErrUnexpectedStartEvent.
// The returned command is the first forward command; the caller advances
// the step with MarkDispatched once it has been handed to the dispatcher.
func Start(event *events.Event) (*Instance, *Command, error) {
	if event.EventType != events.OrderCreatedEvent {
		return nil, nil, errors.Wrapf(ErrUnexpectedStartEvent,
			"event %s cannot start a saga", event.EventType)
	}

	var data OrderCreatedData
	if err := event.UnmarshalPayload(&data); err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse order created data")
	}

	key := event.Correlation()
	in := &Instance{
		OrderID: key,
		Step:    StepStarted,
		Outcome: OutcomePending,
		Data: OrderData{
			OrderID:   data.OrderID,
			ProductID: data.ProductID,
			Quantity:  data.Quantity,
			UserID:    data.UserID,
			Amount:    data.Amount,
		},
		LastSequence: event.Sequence,
		Timestamps:   models.NewTimestamps(),
		Version:      models.NewVersion(),
		applied:      make(map[string]bool),
	}

	return in, in.FirstCommand(), nil
}

// FirstCommand builds the saga's opening forward command. Deterministic in
// its idempotency key, so a replayed start event re-issues a command the
// downstream service deduplicates.
func (in *Instance) FirstCommand() *Command {
	return NewCommand(events.ReserveProductCommand, in.OrderID, StepProductReservationRequested, ReserveProductData{
		OrderID:   in.Data.OrderID,
		ProductID: in.Data.ProductID,
		Quantity:  in.Data.Quantity,
		UserID:    in.Data.UserID,
	})
}

// Command payloads issued by the saga
type ReserveProductData struct {
	OrderID   models.ID `json:"order_id"`
	ProductID models.ID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UserID    models.ID `json:"user_id"`
}

type ProcessPaymentData struct {
	OrderID models.ID    `json:"order_id"`
	UserID  models.ID    `json:"user_id"`
	Amount  models.Money `json:"amount"`
}

type CancelReservationData struct {
	OrderID       models.ID `json:"order_id"`
	ProductID     models.ID `json:"product_id"`
	ReservationID models.ID `json:"reservation_id"`
	Quantity      int       `json:"quantity"`
}

type RefundPaymentData struct {
	OrderID   models.ID    `json:"order_id"`
	PaymentID models.ID    `json:"payment_id"`
	Amount    models.Money `json:"amount"`
}

type transitionKey struct {
	step Step
	kind SignalKind
}

type transitionFunc func(in *Instance, sig Signal) *Command

// transitions is the explicit dispatch table: every legal (step, signal)
// combination is enumerated here; anything absent is rejected by Advance.
var transitions = map[transitionKey]transitionFunc{
	{StepProductReservationRequested, KindProductReserved}:          (*Instance).productReserved,
	{StepProductReservationRequested, KindDispatchSucceeded}:        (*Instance).productReserved,
	{StepProductReservationRequested, KindProductReservationFailed}: (*Instance).enterCompensation,
	{StepProductReservationRequested, KindDispatchFailed}:           (*Instance).enterCompensation,

	{StepPaymentRequested, KindPaymentProcessed}:  (*Instance).paymentCompleted,
	{StepPaymentRequested, KindDispatchSucceeded}: (*Instance).paymentCompleted,
	{StepPaymentRequested, KindPaymentFailed}:     (*Instance).enterCompensation,
	{StepPaymentRequested, KindDispatchFailed}:    (*Instance).enterCompensation,

	{StepCompensating, KindCompensationApplied}: (*Instance).compensationApplied,
	{StepCompensating, KindDispatchSucceeded}:   (*Instance).compensationApplied,
	{StepCompensating, KindDispatchFailed}:      (*Instance).compensationApplied,
}

// Advance applies a signal to the state machine and returns the next
// command to dispatch, if any. Duplicate and out-of-order signals return
// ErrStaleEventIgnored without mutating state; combinations the table does
// not define return ErrInvariantViolation.
func (in *Instance) Advance(sig Signal) (*Command, error) {
	if in.Terminal() {
		return nil, errors.Wrapf(ErrStaleEventIgnored,
			"saga %s already reached terminal step %s", in.OrderID, in.Step)
	}

	if sig.Sequence > 0 && sig.Sequence <= in.LastSequence {
		return nil, errors.Wrapf(ErrStaleEventIgnored,
			"sequence %d not after %d for saga %s", sig.Sequence, in.LastSequence, in.OrderID)
	}

	if sig.Token != "" {
		if in.applied[sig.Token] {
			return nil, errors.Wrapf(ErrStaleEventIgnored,
				"command %s already applied for saga %s", sig.Token, in.OrderID)
		}
		if in.pending == nil || sig.Token != in.pending.IdempotencyKey {
			return nil, errors.Wrapf(ErrStaleEventIgnored,
				"result %s does not match in-flight command for saga %s", sig.Token, in.OrderID)
		}
	}

	fn, ok := transitions[transitionKey{in.Step, sig.Kind}]
	if !ok {
		if in.alreadyApplied(sig.Kind) {
			return nil, errors.Wrapf(ErrStaleEventIgnored,
				"signal %s re-delivers a completed step for saga %s", sig.Kind, in.OrderID)
		}
		return nil, errors.Wrapf(ErrInvariantViolation,
			"no transition from step %s on signal %s for saga %s", in.Step, sig.Kind, in.OrderID)
	}

	if sig.Sequence > 0 {
		in.LastSequence = sig.Sequence
	}
	in.Timestamps = in.Timestamps.Update()
	in.Version = in.Version.Update()

	return fn(in, sig), nil
}

// MarkDispatched records that the command has been handed to the dispatcher
// and advances the step to its "requested" state. Called under the same
// per-key lock as the transition that produced the command.
func (in *Instance) MarkDispatched(cmd *Command) {
	in.pending = cmd

	switch cmd.Type {
	case events.ReserveProductCommand:
		in.Step = StepProductReservationRequested
	case events.ProcessPaymentCommand:
		in.Step = StepPaymentRequested
	}
	// compensating commands leave the step at StepCompensating
}

// Pending returns the in-flight command, if any. Recovery re-dispatches it
// under the same idempotency key so downstream services deduplicate.
func (in *Instance) Pending() *Command {
	return in.pending
}

// Terminal reports whether the saga reached Completed or Failed
func (in *Instance) Terminal() bool {
	return in.Step == StepCompleted || in.Step == StepFailed
}

func (in *Instance) productReserved(sig Signal) *Command {
	if d, ok := sig.Data.(ProductReservedData); ok {
		in.Data.ReservationID = d.ReservationID
	}

	in.settlePending()
	in.Step = StepProductReserved
	in.CompletedSteps = append(in.CompletedSteps, StepProductReserved)

	return NewCommand(events.ProcessPaymentCommand, in.OrderID, StepPaymentRequested, ProcessPaymentData{
		OrderID: in.Data.OrderID,
		UserID:  in.Data.UserID,
		Amount:  in.Data.Amount,
	})
}

func (in *Instance) paymentCompleted(sig Signal) *Command {
	if d, ok := sig.Data.(PaymentProcessedData); ok {
		in.Data.PaymentID = d.PaymentID
	}

	in.settlePending()
	in.CompletedSteps = append(in.CompletedSteps, StepPaymentCompleted)
	in.Step = StepCompleted
	in.Outcome = OutcomeSuccess
	return nil
}

func (in *Instance) enterCompensation(sig Signal) *Command {
	in.settlePending()
	in.FailureReason = sig.Reason
	if in.FailureReason == "" {
		in.FailureReason = ReasonRejected
	}
	in.Step = StepCompensating
	return in.nextCompensation()
}

func (in *Instance) compensationApplied(sig Signal) *Command {
	in.settlePending()
	return in.nextCompensation()
}

// nextCompensation walks completed steps backward, emitting one
// compensating command per step; when none remain the saga is Failed.
func (in *Instance) nextCompensation() *Command {
	if len(in.CompletedSteps) == 0 {
		in.Step = StepFailed
		in.Outcome = OutcomeFailed
		return nil
	}

	last := in.CompletedSteps[len(in.CompletedSteps)-1]
	in.CompletedSteps = in.CompletedSteps[:len(in.CompletedSteps)-1]

	return in.compensatingCommandFor(last)
}

// compensatingCommandFor maps a completed forward step to the command that
// semantically undoes it
func (in *Instance) compensatingCommandFor(step Step) *Command {
	var cmd *Command
	switch step {
	case StepPaymentCompleted:
		cmd = NewCommand(events.RefundPaymentCommand, in.OrderID, step, RefundPaymentData{
			OrderID:   in.Data.OrderID,
			PaymentID: in.Data.PaymentID,
			Amount:    in.Data.Amount,
		})
	default: // StepProductReserved
		cmd = NewCommand(events.CancelProductReservationCommand, in.OrderID, step, CancelReservationData{
			OrderID:       in.Data.OrderID,
			ProductID:     in.Data.ProductID,
			ReservationID: in.Data.ReservationID,
			Quantity:      in.Data.Quantity,
		})
	}
	cmd.IdempotencyKey += ":undo"
	return cmd
}

// settlePending marks the in-flight command as applied so a late duplicate
// resolution becomes a no-op
func (in *Instance) settlePending() {
	if in.pending != nil {
		if in.applied == nil {
			in.applied = make(map[string]bool)
		}
		in.applied[in.pending.IdempotencyKey] = true
		in.pending = nil
	}
}

// alreadyApplied reports whether the fact a signal carries was applied by an
// earlier transition, so redelivery is a duplicate rather than a violation
func (in *Instance) alreadyApplied(kind SignalKind) bool {
	var step Step
	switch kind {
	case KindProductReserved:
		step = StepProductReserved
	case KindPaymentProcessed:
		step = StepPaymentCompleted
	case KindCompensationApplied:
		// compensation replies after the walk finished are duplicates
		return in.Step == StepCompensating || in.Step == StepFailed
	case KindProductReservationFailed, KindPaymentFailed:
		// the failure that triggered compensation, redelivered
		return in.Step == StepCompensating || in.Step == StepFailed
	default:
		return false
	}

	// once compensation began, every forward fact is history
	if in.Step == StepCompensating || in.Step == StepFailed {
		return true
	}

	for _, s := range in.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}
