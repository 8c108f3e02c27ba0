package application

import (
	"context"
	"time"

	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/shared/models"
	"github.com/pkg/errors"
)

// GetSagaQuery represents the query to get a saga by its correlation key
type GetSagaQuery struct {
	OrderID string `json:"order_id"`
}

// GetSagaResponse represents the response for getting a saga
type GetSagaResponse struct {
	OrderID        string   `json:"order_id"`
	Step           string   `json:"step"`
	Outcome        string   `json:"outcome"`
	CompletedSteps []string `json:"completed_steps"`
	FailureReason  string   `json:"failure_reason,omitempty"`
	ReservationID  string   `json:"reservation_id,omitempty"`
	PaymentID      string   `json:"payment_id,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

// GetSaga use case
type GetSaga struct {
	registry       *domain.Registry
	sagaRepository domain.SagaRepository
}

// NewGetSaga creates a new GetSaga use case
func NewGetSaga(registry *domain.Registry, sagaRepository domain.SagaRepository) *GetSaga {
	return &GetSaga{
		registry:       registry,
		sagaRepository: sagaRepository,
	}
}

// Execute looks up the live instance first, then the persisted snapshot, so
// finished sagas remain queryable after their registry entry is evicted
func (uc *GetSaga) Execute(ctx context.Context, query *GetSagaQuery) (*GetSagaResponse, error) {
	if query.OrderID == "" {
		return nil, errors.New("order ID is required")
	}

	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid order ID")
	}

	var snap *domain.Snapshot
	if in, err := uc.registry.Get(orderID); err == nil {
		snap = in.Snapshot()
	} else {
		snap, err = uc.sagaRepository.FindByID(ctx, orderID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to find saga")
		}
	}

	if snap == nil {
		return nil, errors.New("saga not found")
	}

	steps := make([]string, len(snap.CompletedSteps))
	for i, s := range snap.CompletedSteps {
		steps[i] = string(s)
	}

	return &GetSagaResponse{
		OrderID:        snap.OrderID.String(),
		Step:           string(snap.Step),
		Outcome:        string(snap.Outcome),
		CompletedSteps: steps,
		FailureReason:  string(snap.FailureReason),
		ReservationID:  snap.Data.ReservationID.String(),
		PaymentID:      snap.Data.PaymentID.String(),
		CreatedAt:      snap.Timestamps.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      snap.Timestamps.UpdatedAt.Format(time.RFC3339),
	}, nil
}
