package application

import (
	"context"
	"fmt"

	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/shared/events"
	"github.com/orderflow/order-system/shared/models"
	"github.com/orderflow/order-system/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// OrchestrateOrder is the coordination use case: it starts a saga for each
// created order, drives the reserve-then-charge sequence through the
// command dispatcher, and walks compensation backward when a step fails.
// It is the only component that knows which command follows which step.
type OrchestrateOrder struct {
	registry       *domain.Registry
	sagaRepository domain.SagaRepository
	dispatcher     domain.CommandDispatcher
	eventPublisher events.Publisher
}

// NewOrchestrateOrder creates a new OrchestrateOrder use case
func NewOrchestrateOrder(
	registry *domain.Registry,
	sagaRepository domain.SagaRepository,
	dispatcher domain.CommandDispatcher,
	eventPublisher events.Publisher,
) *OrchestrateOrder {
	return &OrchestrateOrder{
		registry:       registry,
		sagaRepository: sagaRepository,
		dispatcher:     dispatcher,
		eventPublisher: eventPublisher,
	}
}

// StartSaga creates a saga instance for an order created event and
// dispatches the first forward command. A second start for the same
// correlation key is ErrStaleEventIgnored; any other event type arriving
// for an unknown key is rejected by domain.Start.
func (uc *OrchestrateOrder) StartSaga(ctx context.Context, event *events.Event) error {
	key := event.Correlation()

	var first *domain.Command
	_, created, err := uc.registry.GetOrCreate(key, func() (*domain.Instance, error) {
		in, cmd, err := domain.Start(event)
		if err != nil {
			return nil, err
		}
		first = cmd
		return in, nil
	})
	if err != nil {
		return err
	}

	if !created {
		// a previous start registered the instance but failed before its
		// first command went out; the replayed event finishes the job
		var resume *domain.Command
		if err := uc.registry.Update(key, func(in *domain.Instance) error {
			if in.Step == domain.StepStarted && in.Pending() == nil {
				resume = in.FirstCommand()
			}
			return nil
		}); err != nil {
			return err
		}
		if resume == nil {
			return errors.Wrapf(domain.ErrStaleEventIgnored,
				"saga %s already started", key)
		}
		first = resume
	} else {
		telemetry.RecordCounter(ctx, "saga_started_total", "Sagas started", 1)
	}

	started := events.NewEvent(key, events.SagaStartedEvent, SagaLifecycleData{
		OrderID: key,
		Step:    string(domain.StepStarted),
	}).WithCorrelationID(key)
	if err := uc.eventPublisher.Publish(ctx, started); err != nil {
		return errors.Wrap(err, "failed to publish saga started event")
	}

	return uc.dispatch(ctx, key, first)
}

// ApplySignal feeds a normalized signal into the saga for the given
// correlation key, persists the new state, dispatches whatever command the
// transition produced, and publishes lifecycle events for terminal steps.
func (uc *OrchestrateOrder) ApplySignal(ctx context.Context, key models.ID, sig domain.Signal) error {
	var (
		next     *domain.Command
		snap     *domain.Snapshot
		prevStep domain.Step
	)

	err := uc.registry.Update(key, func(in *domain.Instance) error {
		prevStep = in.Step
		cmd, err := in.Advance(sig)
		if err != nil {
			return err
		}
		next = cmd
		if next != nil {
			in.MarkDispatched(next)
		}
		snap = in.Snapshot()
		return nil
	})
	if errors.Is(err, domain.ErrOrphanEvent) {
		if err := uc.resumeFromStore(ctx, key); err != nil {
			return err
		}
		return uc.ApplySignal(ctx, key, sig)
	}
	if err != nil {
		return err
	}

	if err := uc.sagaRepository.Save(ctx, snap); err != nil {
		return errors.Wrap(err, "failed to save saga snapshot")
	}

	// the transition is committed; its command must go out even when the
	// lifecycle publish fails
	if next != nil {
		if err := uc.dispatchOnly(ctx, key, next); err != nil {
			return err
		}
	}

	if err := uc.publishLifecycle(ctx, prevStep, snap); err != nil {
		return err
	}

	if snap.Step == domain.StepCompleted || snap.Step == domain.StepFailed {
		return uc.registry.Remove(key)
	}
	return nil
}

// Recover reloads every non-terminal saga from the store after a restart
// and re-dispatches each in-flight command under its original idempotency
// key so downstream services deduplicate it.
func (uc *OrchestrateOrder) Recover(ctx context.Context) error {
	snaps, err := uc.sagaRepository.FindActive(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load active sagas")
	}

	for _, snap := range snaps {
		in, created, err := uc.registry.GetOrCreate(snap.OrderID, func() (*domain.Instance, error) {
			return domain.RestoreInstance(snap), nil
		})
		if err != nil {
			return errors.Wrapf(err, "failed to restore saga %s", snap.OrderID)
		}
		if !created {
			continue
		}

		if pending := in.Pending(); pending != nil {
			if err := uc.dispatchOnly(ctx, snap.OrderID, pending); err != nil {
				return errors.Wrapf(err, "failed to re-dispatch command for saga %s", snap.OrderID)
			}
		}
	}

	telemetry.RecordCounter(ctx, "saga_recovered_total", "Sagas restored from store", int64(len(snaps)))
	return nil
}

// dispatch persists the post-dispatch snapshot then hands the command to
// the dispatcher. The send happens outside the per-key lock; the result is
// awaited on its own goroutine and folded back in as a signal.
func (uc *OrchestrateOrder) dispatch(ctx context.Context, key models.ID, cmd *domain.Command) error {
	var snap *domain.Snapshot
	err := uc.registry.Update(key, func(in *domain.Instance) error {
		in.MarkDispatched(cmd)
		snap = in.Snapshot()
		return nil
	})
	if err != nil {
		return err
	}

	if err := uc.sagaRepository.Save(ctx, snap); err != nil {
		return errors.Wrap(err, "failed to save saga snapshot")
	}

	return uc.dispatchOnly(ctx, key, cmd)
}

func (uc *OrchestrateOrder) dispatchOnly(ctx context.Context, key models.ID, cmd *domain.Command) error {
	telemetry.RecordCounter(ctx, "saga_commands_dispatched_total", "Commands dispatched", 1,
		attribute.String("command_type", cmd.Type))

	results := uc.dispatcher.Dispatch(ctx, cmd)
	go uc.awaitResult(key, cmd, results)
	return nil
}

// awaitResult blocks on the dispatcher's single-shot result channel and
// feeds the resolution back through the normal signal path. A stale
// resolution (the saga already moved on via a forward event) is a no-op.
func (uc *OrchestrateOrder) awaitResult(key models.ID, cmd *domain.Command, results <-chan domain.DispatchResult) {
	res, ok := <-results
	if !ok {
		res = domain.Failed(cmd, domain.ReasonDispatchUnavailable, "dispatcher closed result channel")
	}

	sig := domain.Signal{
		Token: res.IdempotencyKey,
		Data:  res.Data,
	}
	if res.Success {
		sig.Kind = domain.KindDispatchSucceeded
	} else {
		sig.Kind = domain.KindDispatchFailed
		sig.Reason = res.Reason
	}

	ctx := context.Background()
	if err := uc.ApplySignal(ctx, key, sig); err != nil {
		if errors.Is(err, domain.ErrStaleEventIgnored) {
			return
		}
		fmt.Printf("Failed to apply dispatch result for saga %s: %v\n", key, err)
	}
}

// resumeFromStore rebuilds a registry entry from the persisted snapshot, so
// signals arriving after an eviction or partial restart still find their
// saga. Terminal snapshots stay evicted.
func (uc *OrchestrateOrder) resumeFromStore(ctx context.Context, key models.ID) error {
	snap, err := uc.sagaRepository.FindByID(ctx, key)
	if err != nil {
		return errors.Wrap(err, "failed to find saga snapshot")
	}
	if snap == nil {
		return errors.Wrapf(domain.ErrOrphanEvent, "no saga for %s", key)
	}
	if snap.Step == domain.StepCompleted || snap.Step == domain.StepFailed {
		return errors.Wrapf(domain.ErrStaleEventIgnored,
			"saga %s already finished with outcome %s", key, snap.Outcome)
	}

	_, _, err = uc.registry.GetOrCreate(key, func() (*domain.Instance, error) {
		return domain.RestoreInstance(snap), nil
	})
	return err
}

// publishLifecycle emits the saga lifecycle events a transition produced
func (uc *OrchestrateOrder) publishLifecycle(ctx context.Context, prevStep domain.Step, snap *domain.Snapshot) error {
	key := snap.OrderID

	if prevStep != domain.StepCompensating && snap.Step == domain.StepCompensating {
		telemetry.RecordCounter(ctx, "saga_compensations_total", "Sagas entering compensation", 1,
			attribute.String("reason", string(snap.FailureReason)))
		ev := events.NewEvent(key, events.SagaCompensatedEvent, SagaLifecycleData{
			OrderID: key,
			Step:    string(snap.Step),
			Reason:  string(snap.FailureReason),
		}).WithCorrelationID(key)
		if err := uc.eventPublisher.Publish(ctx, ev); err != nil {
			return errors.Wrap(err, "failed to publish saga compensated event")
		}
	}

	switch snap.Step {
	case domain.StepCompleted:
		telemetry.RecordCounter(ctx, "saga_completed_total", "Sagas completed", 1)
		ev := events.NewEvent(key, events.SagaCompletedEvent, SagaLifecycleData{
			OrderID:   key,
			Step:      string(snap.Step),
			PaymentID: snap.Data.PaymentID,
		}).WithCorrelationID(key)
		if err := uc.eventPublisher.Publish(ctx, ev); err != nil {
			return errors.Wrap(err, "failed to publish saga completed event")
		}

		approved := events.NewEvent(snap.Data.OrderID, events.OrderApprovedEvent, OrderDecisionData{
			OrderID:   snap.Data.OrderID,
			UserID:    snap.Data.UserID,
			PaymentID: snap.Data.PaymentID,
		}).WithCorrelationID(key)
		return errors.Wrap(uc.eventPublisher.Publish(ctx, approved),
			"failed to publish order approved event")

	case domain.StepFailed:
		telemetry.RecordCounter(ctx, "saga_failed_total", "Sagas failed", 1,
			attribute.String("reason", string(snap.FailureReason)))
		ev := events.NewEvent(key, events.SagaFailedEvent, SagaLifecycleData{
			OrderID: key,
			Step:    string(snap.Step),
			Reason:  string(snap.FailureReason),
		}).WithCorrelationID(key)
		if err := uc.eventPublisher.Publish(ctx, ev); err != nil {
			return errors.Wrap(err, "failed to publish saga failed event")
		}

		rejected := events.NewEvent(snap.Data.OrderID, events.OrderRejectedEvent, OrderDecisionData{
			OrderID: snap.Data.OrderID,
			UserID:  snap.Data.UserID,
			Reason:  string(snap.FailureReason),
		}).WithCorrelationID(key)
		return errors.Wrap(uc.eventPublisher.Publish(ctx, rejected),
			"failed to publish order rejected event")
	}

	return nil
}

// SagaLifecycleData is the payload of saga lifecycle events
type SagaLifecycleData struct {
	OrderID   models.ID `json:"order_id"`
	Step      string    `json:"step"`
	Reason    string    `json:"reason,omitempty"`
	PaymentID models.ID `json:"payment_id,omitempty"`
}

// OrderDecisionData is the payload of order approved/rejected events
type OrderDecisionData struct {
	OrderID   models.ID `json:"order_id"`
	UserID    models.ID `json:"user_id"`
	PaymentID models.ID `json:"payment_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
