package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/shared/models"
	"github.com/pkg/errors"
)

var _ domain.SagaRepository = (*PostgresSagaRepository)(nil)

// PostgresSagaRepository implements SagaRepository using PostgreSQL. Each
// snapshot is upserted whole; the JSON columns carry the parts with no
// relational shape (accumulated data, the in-flight command, dedup tokens).
type PostgresSagaRepository struct {
	db *sqlx.DB
}

// NewPostgresSagaRepository creates a new PostgresSagaRepository
func NewPostgresSagaRepository(db *sqlx.DB) *PostgresSagaRepository {
	return &PostgresSagaRepository{db: db}
}

// postgresSaga represents a saga snapshot in database
type postgresSaga struct {
	OrderID        string    `db:"order_id"`
	Step           string    `db:"step"`
	Outcome        string    `db:"outcome"`
	Data           []byte    `db:"data"`
	CompletedSteps []byte    `db:"completed_steps"`
	FailureReason  string    `db:"failure_reason"`
	LastSequence   int64     `db:"last_sequence"`
	PendingCommand []byte    `db:"pending_command"`
	AppliedTokens  []byte    `db:"applied_tokens"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	Version        int       `db:"version"`
}

// Save upserts a saga snapshot
func (r *PostgresSagaRepository) Save(ctx context.Context, snap *domain.Snapshot) error {
	pgSaga, err := r.toPostgres(snap)
	if err != nil {
		return errors.Wrap(err, "failed to convert saga snapshot")
	}

	query := `
		INSERT INTO sagas (
			order_id, step, outcome, data, completed_steps, failure_reason,
			last_sequence, pending_command, applied_tokens,
			created_at, updated_at, version
		) VALUES (
			:order_id, :step, :outcome, :data, :completed_steps, :failure_reason,
			:last_sequence, :pending_command, :applied_tokens,
			:created_at, :updated_at, :version
		)
		ON CONFLICT (order_id) DO UPDATE SET
			step = EXCLUDED.step,
			outcome = EXCLUDED.outcome,
			data = EXCLUDED.data,
			completed_steps = EXCLUDED.completed_steps,
			failure_reason = EXCLUDED.failure_reason,
			last_sequence = EXCLUDED.last_sequence,
			pending_command = EXCLUDED.pending_command,
			applied_tokens = EXCLUDED.applied_tokens,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version
		WHERE sagas.version <= EXCLUDED.version`

	_, err = r.db.NamedExecContext(ctx, query, pgSaga)
	if err != nil {
		return errors.Wrap(err, "failed to save saga")
	}

	return nil
}

// FindByID finds a saga snapshot by correlation key
func (r *PostgresSagaRepository) FindByID(ctx context.Context, orderID models.ID) (*domain.Snapshot, error) {
	query := `
		SELECT order_id, step, outcome, data, completed_steps, failure_reason,
			   last_sequence, pending_command, applied_tokens,
			   created_at, updated_at, version
		FROM sagas
		WHERE order_id = $1`

	var pgSaga postgresSaga
	err := r.db.GetContext(ctx, &pgSaga, query, orderID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Saga not found
		}
		return nil, errors.Wrap(err, "failed to find saga")
	}

	return r.toDomain(&pgSaga)
}

// FindActive returns every saga that has not reached a terminal step
func (r *PostgresSagaRepository) FindActive(ctx context.Context) ([]*domain.Snapshot, error) {
	query := `
		SELECT order_id, step, outcome, data, completed_steps, failure_reason,
			   last_sequence, pending_command, applied_tokens,
			   created_at, updated_at, version
		FROM sagas
		WHERE step NOT IN ($1, $2)
		ORDER BY created_at ASC`

	var pgSagas []postgresSaga
	err := r.db.SelectContext(ctx, &pgSagas, query,
		string(domain.StepCompleted), string(domain.StepFailed))
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active sagas")
	}

	snaps := make([]*domain.Snapshot, len(pgSagas))
	for i, pgSaga := range pgSagas {
		snap, err := r.toDomain(&pgSaga)
		if err != nil {
			return nil, err
		}
		snaps[i] = snap
	}

	return snaps, nil
}

// toPostgres converts a snapshot to the database model
func (r *PostgresSagaRepository) toPostgres(snap *domain.Snapshot) (*postgresSaga, error) {
	data, err := json.Marshal(snap.Data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal saga data")
	}

	completedSteps, err := json.Marshal(snap.CompletedSteps)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal completed steps")
	}

	appliedTokens, err := json.Marshal(snap.AppliedTokens)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal applied tokens")
	}

	var pendingCommand []byte
	if snap.PendingCommand != nil {
		pendingCommand, err = json.Marshal(snap.PendingCommand)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal pending command")
		}
	}

	return &postgresSaga{
		OrderID:        snap.OrderID.String(),
		Step:           string(snap.Step),
		Outcome:        string(snap.Outcome),
		Data:           data,
		CompletedSteps: completedSteps,
		FailureReason:  string(snap.FailureReason),
		LastSequence:   snap.LastSequence,
		PendingCommand: pendingCommand,
		AppliedTokens:  appliedTokens,
		CreatedAt:      snap.Timestamps.CreatedAt,
		UpdatedAt:      snap.Timestamps.UpdatedAt,
		Version:        snap.Version.Value,
	}, nil
}

// toDomain converts a database model to a snapshot
func (r *PostgresSagaRepository) toDomain(pgSaga *postgresSaga) (*domain.Snapshot, error) {
	orderID, err := models.NewID(pgSaga.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid order ID")
	}

	var data domain.OrderData
	if err := json.Unmarshal(pgSaga.Data, &data); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal saga data")
	}

	var completedSteps []domain.Step
	if err := json.Unmarshal(pgSaga.CompletedSteps, &completedSteps); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal completed steps")
	}

	var appliedTokens []string
	if err := json.Unmarshal(pgSaga.AppliedTokens, &appliedTokens); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal applied tokens")
	}

	var pendingCommand *domain.Command
	if len(pgSaga.PendingCommand) > 0 {
		if err := json.Unmarshal(pgSaga.PendingCommand, &pendingCommand); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal pending command")
		}
	}

	return &domain.Snapshot{
		OrderID:        orderID,
		Step:           domain.Step(pgSaga.Step),
		Outcome:        domain.Outcome(pgSaga.Outcome),
		Data:           data,
		CompletedSteps: completedSteps,
		FailureReason:  domain.FailureReason(pgSaga.FailureReason),
		LastSequence:   pgSaga.LastSequence,
		PendingCommand: pendingCommand,
		AppliedTokens:  appliedTokens,
		Timestamps: models.Timestamps{
			CreatedAt: pgSaga.CreatedAt,
			UpdatedAt: pgSaga.UpdatedAt,
		},
		Version: models.Version{Value: pgSaga.Version},
	}, nil
}
