package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/campaign-worker/shared/rabbitmq"
)

// Broker is the connection lifecycle the worker drives
type Broker interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, handler rabbitmq.DeliveryHandler) error
	Monitor(ctx context.Context, interval time.Duration) error
	Close(ctx context.Context) error
}

// Config holds worker configuration
type Config struct {
	Logger              *slog.Logger
	Metrics             *Metrics
	Broker              Broker
	Delegator           JobDelegator
	Publisher           ResultPublisher
	DeadLetters         DeadLetterStore
	WorkerID            string
	HealthCheckInterval time.Duration
}

// Worker consumes campaign jobs until its context ends or a fatal error occurs
type Worker struct {
	logger              *slog.Logger
	broker              Broker
	consumer            *Consumer
	workerID            string
	healthCheckInterval time.Duration
	fatal               chan error
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:              cfg.Logger,
		broker:              cfg.Broker,
		workerID:            cfg.WorkerID,
		healthCheckInterval: cfg.HealthCheckInterval,
		fatal:               make(chan error, 1),
	}

	w.consumer = NewConsumer(&ConsumerConfig{
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		Delegator:   cfg.Delegator,
		Publisher:   cfg.Publisher,
		DeadLetters: cfg.DeadLetters,
		OnFatal:     w.reportFatal,
	})

	return w
}

// Start connects, subscribes and monitors the connection. It returns nil when
// ctx is cancelled, and an error when the broker cannot be reached or a
// fatal processing error occurs.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Duration("health_check_interval", w.healthCheckInterval),
	)

	if err := w.broker.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := w.broker.Subscribe(ctx, w.consumer.HandleDelivery); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	monitorErr := make(chan error, 1)
	go func() {
		monitorErr <- w.broker.Monitor(ctx, w.healthCheckInterval)
	}()

	w.logger.Info("Worker started, waiting for messages",
		slog.String("worker_id", w.workerID),
	)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
		return nil

	case err := <-monitorErr:
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		return nil

	case err := <-w.fatal:
		return err
	}
}

// Stop stops consuming, waits for in-flight jobs until ctx expires and
// closes the broker connection
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")

	if err := w.broker.Close(ctx); err != nil {
		return fmt.Errorf("failed to close broker: %w", err)
	}

	w.logger.Info("Worker stopped")
	return nil
}

// reportFatal keeps the first fatal error
func (w *Worker) reportFatal(err error) {
	select {
	case w.fatal <- err:
	default:
	}
}
