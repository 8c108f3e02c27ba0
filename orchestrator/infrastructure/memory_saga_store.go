package infrastructure

import (
	"context"
	"encoding/json"

	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

var _ domain.SagaRepository = (*MemorySagaRepository)(nil)

// MemorySagaRepository is an in-memory SagaRepository for tests and local
// runs. Snapshots are stored as JSON so reads never alias the writer's
// slices and maps.
type MemorySagaRepository struct {
	sagas *xsync.MapOf[string, []byte]
}

// NewMemorySagaRepository creates a new MemorySagaRepository
func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{
		sagas: xsync.NewMapOf[string, []byte](),
	}
}

// Save stores a copy of the snapshot
func (r *MemorySagaRepository) Save(_ context.Context, snap *domain.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "failed to marshal saga snapshot")
	}
	r.sagas.Store(snap.OrderID.String(), raw)
	return nil
}

// FindByID finds a saga snapshot by correlation key
func (r *MemorySagaRepository) FindByID(_ context.Context, orderID models.ID) (*domain.Snapshot, error) {
	raw, ok := r.sagas.Load(orderID.String())
	if !ok {
		return nil, nil
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal saga snapshot")
	}
	return &snap, nil
}

// FindActive returns every saga that has not reached a terminal step
func (r *MemorySagaRepository) FindActive(_ context.Context) ([]*domain.Snapshot, error) {
	var snaps []*domain.Snapshot
	var rangeErr error

	r.sagas.Range(func(_ string, raw []byte) bool {
		var snap domain.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			rangeErr = errors.Wrap(err, "failed to unmarshal saga snapshot")
			return false
		}
		if snap.Step != domain.StepCompleted && snap.Step != domain.StepFailed {
			snaps = append(snaps, &snap)
		}
		return true
	})

	return snaps, rangeErr
}
