package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/campaign-worker/shared/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerStatus reports the broker connection lifecycle
type BrokerStatus interface {
	State() rabbitmq.State
	IsConnected() bool
}

// DatabaseChecker pings the dead-letter database
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
}

// DeadLetterCounter reports the size of the dead-letter table
type DeadLetterCounter interface {
	CountDeadLetters(ctx context.Context) (int, error)
}

// Dependencies holds all dependencies needed by handlers. Database and
// DeadLetters are nil when dead-lettering is disabled.
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	WorkerID    string
	Broker      BrokerStatus
	Database    DatabaseChecker
	DeadLetters DeadLetterCounter
	Gatherer    prometheus.Gatherer
}

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	logger      *slog.Logger
	serviceName string
	workerID    string
	broker      BrokerStatus
	database    DatabaseChecker
	deadLetters DeadLetterCounter
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:      deps.Logger,
		serviceName: deps.ServiceName,
		workerID:    deps.WorkerID,
		broker:      deps.Broker,
		database:    deps.Database,
		deadLetters: deps.DeadLetters,
	}
}
