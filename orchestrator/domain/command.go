package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/orderflow/order-system/shared/models"
)

// FailureReason classifies why a dispatched command did not succeed
type FailureReason string

const (
	ReasonRejected            FailureReason = "rejected"
	ReasonTimeout             FailureReason = "timeout"
	ReasonDispatchUnavailable FailureReason = "dispatch_unavailable"
	ReasonExceptional         FailureReason = "exceptional"
)

// Command is an imperative request sent to exactly one owning service.
// IdempotencyKey lets the receiver deduplicate redelivery of the same
// logical command; it defaults to correlation key plus step name.
type Command struct {
	ID             models.ID   `json:"id"`
	Type           string      `json:"type"`
	CorrelationID  models.ID   `json:"correlation_id"`
	Data           interface{} `json:"data"`
	IdempotencyKey string      `json:"idempotency_key"`
	IssuedAt       time.Time   `json:"issued_at"`
}

// NewCommand creates a command for the given saga step
func NewCommand(commandType string, correlationID models.ID, step Step, data interface{}) *Command {
	return &Command{
		ID:             models.GenerateUUID(),
		Type:           commandType,
		CorrelationID:  correlationID,
		Data:           data,
		IdempotencyKey: IdempotencyKey(correlationID, step),
		IssuedAt:       time.Now(),
	}
}

// IdempotencyKey builds the default dedup token for a correlation key and step
func IdempotencyKey(correlationID models.ID, step Step) string {
	return fmt.Sprintf("%s:%s", correlationID, step)
}

// DispatchResult is the single-shot resolution of a dispatched command
type DispatchResult struct {
	CorrelationID  models.ID     `json:"correlation_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Success        bool          `json:"success"`
	Reason         FailureReason `json:"reason,omitempty"`
	Error          string        `json:"error,omitempty"`
	Data           interface{}   `json:"data,omitempty"`
}

// Succeeded builds a successful resolution for a command
func Succeeded(cmd *Command, data interface{}) DispatchResult {
	return DispatchResult{
		CorrelationID:  cmd.CorrelationID,
		IdempotencyKey: cmd.IdempotencyKey,
		Success:        true,
		Data:           data,
	}
}

// Failed builds a failed resolution for a command
func Failed(cmd *Command, reason FailureReason, err string) DispatchResult {
	return DispatchResult{
		CorrelationID:  cmd.CorrelationID,
		IdempotencyKey: cmd.IdempotencyKey,
		Success:        false,
		Reason:         reason,
		Error:          err,
	}
}

// CommandDispatcher sends a command to the owning service. The returned
// channel resolves exactly once, with either the successful result payload
// or a structured failure reason. A transport that cannot send at all
// resolves ReasonDispatchUnavailable rather than dropping the command; a
// command that does not resolve within the configured deadline resolves
// ReasonTimeout. The channel-based future keeps the caller from blocking a
// thread while the round trip is in flight.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd *Command) <-chan DispatchResult
}
