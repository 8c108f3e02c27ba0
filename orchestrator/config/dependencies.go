package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/orderflow/order-system/orchestrator/application"
	"github.com/orderflow/order-system/orchestrator/domain"
	"github.com/orderflow/order-system/orchestrator/handlers"
	"github.com/orderflow/order-system/orchestrator/infrastructure"
	"github.com/orderflow/order-system/shared/events"
	sharedinfra "github.com/orderflow/order-system/shared/infrastructure"
	"github.com/orderflow/order-system/shared/telemetry"
)

type Dependencies struct {
	// Database
	DB *sqlx.DB

	// Domain
	Registry       *domain.Registry
	SagaRepository domain.SagaRepository

	// Use Cases
	OrchestrateOrder *application.OrchestrateOrder
	GetSaga          *application.GetSaga

	// HTTP Handlers
	SagaHandlers *handlers.SagaHandlers

	// Event Handlers
	SagaEventHandlers *handlers.SagaEventHandlers
	RootEventHandler  events.EventHandler

	// Infrastructure
	EventPublisher    *sharedinfra.SNSPublisherAdapter
	EventSubscriber   *sharedinfra.SQSSubscriberAdapter
	EventStore        *sharedinfra.PostgresEventStore
	CommandDispatcher *infrastructure.SNSCommandDispatcher
	MockParticipants  *infrastructure.MockParticipants

	// Telemetry
	Telemetry         *telemetry.Telemetry
	telemetryShutdown func()
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize telemetry
	telConfig := telemetry.OrchestratorConfig.WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
	tel, telShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}
	deps.Telemetry = tel
	deps.telemetryShutdown = telShutdown

	// Initialize database
	db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	deps.DB = db

	// Initialize AWS infrastructure
	eventPublisher, err := sharedinfra.NewSNSPublisherAdapter(config.AWS.SNSTopicArn)
	if err != nil {
		return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
	}
	deps.EventPublisher = eventPublisher

	eventSubscriber, err := sharedinfra.NewSQSSubscriberAdapter(config.AWS.SQSQueueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS subscriber: %w", err)
	}
	deps.EventSubscriber = eventSubscriber

	// Published events are also appended to the audit stream
	deps.EventStore = sharedinfra.NewPostgresEventStore(db)
	publisher := sharedinfra.NewAuditPublisher(eventPublisher, deps.EventStore)

	// Initialize domain and dispatcher
	deps.Registry = domain.NewRegistry()
	deps.SagaRepository = infrastructure.NewPostgresSagaRepository(db)

	timeout := time.Duration(config.Saga.CommandTimeoutSeconds) * time.Second
	deps.CommandDispatcher = infrastructure.NewSNSCommandDispatcher(publisher, timeout)

	// Initialize use cases
	deps.OrchestrateOrder = application.NewOrchestrateOrder(
		deps.Registry,
		deps.SagaRepository,
		deps.CommandDispatcher,
		publisher,
	)
	deps.GetSaga = application.NewGetSaga(deps.Registry, deps.SagaRepository)

	// Initialize handlers
	deps.SagaHandlers = handlers.NewSagaHandlers(deps.GetSaga)
	deps.SagaEventHandlers = handlers.NewSagaEventHandlers(deps.OrchestrateOrder)

	if config.Saga.MockParticipants {
		deps.MockParticipants = infrastructure.NewMockParticipants(publisher, config.Saga.MaxPaymentAmount)
	}

	deps.RootEventHandler = deps.buildRootHandler()

	return deps, nil
}

// buildRootHandler chains the consumers sharing the service queue: reply
// events first resolve their in-flight command, then feed the saga; command
// events go to the mock participants when those are enabled.
func (d *Dependencies) buildRootHandler() events.EventHandler {
	dispatcher := d.CommandDispatcher
	sagaHandlers := d.SagaEventHandlers
	mocks := d.MockParticipants

	return sharedinfra.NewEventHandlerFunc("order-orchestrator", func(ctx context.Context, event *events.Event) error {
		dispatcher.ResolveFromEvent(event)

		if mocks != nil {
			if err := mocks.Handle(ctx, event); err != nil {
				return err
			}
		}

		return sagaHandlers.Handle(ctx, event)
	})
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.CommandDispatcher != nil {
		if err := d.CommandDispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close command dispatcher: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.EventPublisher != nil {
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.telemetryShutdown != nil {
		d.telemetryShutdown()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
