package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/campaign-worker/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const deadLetterTimeout = 5 * time.Second

// JobDelegator runs a job against the generation service
type JobDelegator interface {
	Delegate(ctx context.Context, job domain.CampaignJob) (domain.GenerationResult, error)
}

// ResultPublisher reports a job outcome
type ResultPublisher interface {
	Publish(ctx context.Context, envelope domain.ResultEnvelope) error
}

// DeadLetterStore keeps results that could not be published
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
}

// ConsumerConfig holds the collaborators of a Consumer
type ConsumerConfig struct {
	Logger *slog.Logger

	// Metrics is optional. Nil records into collectors no registry exposes.
	Metrics   *Metrics
	Delegator JobDelegator
	Publisher ResultPublisher

	// DeadLetters is optional. Nil means dropped results are only logged.
	DeadLetters DeadLetterStore

	// OnFatal is called for failures that must stop the process
	OnFatal func(err error)
}

// Consumer turns one delivery into exactly one result envelope
type Consumer struct {
	logger      *slog.Logger
	metrics     *Metrics
	delegator   JobDelegator
	publisher   ResultPublisher
	deadLetters DeadLetterStore
	onFatal     func(err error)
}

// NewConsumer creates a Consumer
func NewConsumer(cfg *ConsumerConfig) *Consumer {
	onFatal := cfg.OnFatal
	if onFatal == nil {
		onFatal = func(error) {}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Consumer{
		logger:      cfg.Logger,
		metrics:     metrics,
		delegator:   cfg.Delegator,
		publisher:   cfg.Publisher,
		deadLetters: cfg.DeadLetters,
		onFatal:     onFatal,
	}
}

// HandleDelivery processes one inbound message. The message is acked on every
// return path and rejected without requeue if processing panics.
func (c *Consumer) HandleDelivery(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()
	c.metrics.MessagesReceived.Inc()
	c.metrics.InFlight.Inc()

	defer func() {
		c.metrics.InFlight.Dec()
		c.metrics.JobDuration.Observe(time.Since(start).Seconds())

		if r := recover(); r != nil {
			c.metrics.JobsProcessed.WithLabelValues(domain.OutcomePanicked).Inc()
			c.logger.Error("Panic while processing message",
				slog.Any("panic", r),
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
			)
			if err := delivery.Reject(false); err != nil {
				c.logger.Error("Failed to reject message",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if err := delivery.Ack(false); err != nil {
			c.logger.Error("Failed to ACK message",
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
				slog.String("error", err.Error()),
			)
		}
	}()

	outcome := c.process(ctx, delivery.Body)
	c.metrics.JobsProcessed.WithLabelValues(outcome).Inc()
}

// process runs parse, delegate and publish and returns the job outcome
func (c *Consumer) process(ctx context.Context, body []byte) string {
	job, err := ParseJob(body)
	if err != nil {
		campaignID, ok := RecoverCampaignID(body)
		if !ok {
			campaignID = domain.UnknownCampaignID
		}

		c.logger.Error("Failed to parse message",
			slog.String("campaign_id", campaignID),
			slog.String("error", err.Error()),
		)

		c.report(ctx, domain.NewErrorEnvelope(campaignID, err))
		return domain.OutcomeMalformed
	}

	c.logger.Info("Processing campaign",
		slog.String("campaign_id", job.CampaignID),
	)

	result, err := c.delegator.Delegate(ctx, job)
	if err != nil {
		c.logger.Error("Failed to delegate to generation service",
			slog.String("campaign_id", job.CampaignID),
			slog.String("error", err.Error()),
		)

		c.report(ctx, domain.NewErrorEnvelope(job.CampaignID, err))
		return domain.OutcomeFailed
	}

	c.report(ctx, domain.NewSuccessEnvelope(job, result))
	return domain.OutcomeSucceeded
}

// report publishes envelope. A result that cannot be published is logged,
// counted and dead-lettered when a store is configured.
func (c *Consumer) report(ctx context.Context, envelope domain.ResultEnvelope) {
	err := c.publisher.Publish(ctx, envelope)
	if err == nil {
		c.metrics.ResultsPublished.Inc()
		return
	}

	c.metrics.ResultsDropped.Inc()

	if errors.Is(err, domain.ErrSerialization) {
		c.logger.Error("Result envelope could not be serialized",
			slog.String("campaign_id", envelope.CampaignID),
			slog.String("error", err.Error()),
		)
		c.onFatal(fmt.Errorf("campaign %s: %w", envelope.CampaignID, err))
		return
	}

	c.logger.Error("Dropping result after publish retries",
		slog.String("campaign_id", envelope.CampaignID),
		slog.String("error", err.Error()),
	)

	if c.deadLetters != nil {
		c.deadLetter(ctx, envelope, err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, envelope domain.ResultEnvelope, cause error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Error("Failed to encode dead letter",
			slog.String("campaign_id", envelope.CampaignID),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, deadLetterTimeout)
	defer cancel()

	dl := &domain.DeadLetter{
		ID:         uuid.New(),
		CampaignID: envelope.CampaignID,
		Envelope:   payload,
		Reason:     cause.Error(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.deadLetters.SaveDeadLetter(ctx, dl); err != nil {
		c.logger.Error("Failed to dead-letter result",
			slog.String("campaign_id", envelope.CampaignID),
			slog.String("error", err.Error()),
		)
	}
}
