package domain

import (
	"context"

	"github.com/orderflow/order-system/shared/models"
)

// Snapshot is the persisted form of a saga instance
type Snapshot struct {
	OrderID        models.ID         `json:"order_id" db:"order_id"`
	Step           Step              `json:"step" db:"step"`
	Outcome        Outcome           `json:"outcome" db:"outcome"`
	Data           OrderData         `json:"data" db:"data"`
	CompletedSteps []Step            `json:"completed_steps" db:"completed_steps"`
	FailureReason  FailureReason     `json:"failure_reason,omitempty" db:"failure_reason"`
	LastSequence   int64             `json:"last_sequence" db:"last_sequence"`
	PendingCommand *Command          `json:"pending_command,omitempty"`
	AppliedTokens  []string          `json:"applied_tokens,omitempty" db:"applied_tokens"`
	Timestamps     models.Timestamps `json:"timestamps"`
	Version        models.Version    `json:"version" db:"version"`
}

// SagaRepository persists saga snapshots so in-flight transactions survive
// a restart
type SagaRepository interface {
	Save(ctx context.Context, snap *Snapshot) error
	FindByID(ctx context.Context, orderID models.ID) (*Snapshot, error)
	FindActive(ctx context.Context) ([]*Snapshot, error)
}

// Snapshot captures the instance for persistence. Call under the registry's
// per-key lock.
func (in *Instance) Snapshot() *Snapshot {
	steps := make([]Step, len(in.CompletedSteps))
	copy(steps, in.CompletedSteps)

	var tokens []string
	for t := range in.applied {
		tokens = append(tokens, t)
	}

	return &Snapshot{
		OrderID:        in.OrderID,
		Step:           in.Step,
		Outcome:        in.Outcome,
		Data:           in.Data,
		CompletedSteps: steps,
		FailureReason:  in.FailureReason,
		LastSequence:   in.LastSequence,
		PendingCommand: in.pending,
		AppliedTokens:  tokens,
		Timestamps:     in.Timestamps,
		Version:        in.Version,
	}
}

// RestoreInstance rebuilds a live instance from a persisted snapshot
func RestoreInstance(snap *Snapshot) *Instance {
	applied := make(map[string]bool, len(snap.AppliedTokens))
	for _, t := range snap.AppliedTokens {
		applied[t] = true
	}

	steps := make([]Step, len(snap.CompletedSteps))
	copy(steps, snap.CompletedSteps)

	return &Instance{
		OrderID:        snap.OrderID,
		Step:           snap.Step,
		Outcome:        snap.Outcome,
		Data:           snap.Data,
		CompletedSteps: steps,
		FailureReason:  snap.FailureReason,
		LastSequence:   snap.LastSequence,
		Timestamps:     snap.Timestamps,
		Version:        snap.Version,
		pending:        snap.PendingCommand,
		applied:        applied,
	}
}
