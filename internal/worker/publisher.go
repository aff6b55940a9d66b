package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cuongbtq/campaign-worker/internal/worker/domain"
	"github.com/cuongbtq/campaign-worker/shared/rabbitmq"
	"github.com/cuongbtq/campaign-worker/shared/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessagePublisher sends a message to the broker's default exchange
type MessagePublisher interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// transientKeywords mark publish failures worth another attempt when the
// error type alone does not tell
var transientKeywords = []string{"connection", "timeout", "temporary", "unavailable"}

// Publisher reports result envelopes on the result queue
type Publisher struct {
	broker MessagePublisher
	queue  string
	policy *retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher for queue
func NewPublisher(broker MessagePublisher, queue string, opts retry.Options, metrics *Metrics, logger *slog.Logger) *Publisher {
	opts.ShouldRetry = func(err error, _ int) bool {
		return isTransientPublishError(err)
	}
	if metrics != nil {
		opts.OnRetry = func(int, error, time.Duration) {
			metrics.Retries.WithLabelValues("publish").Inc()
		}
	}

	return &Publisher{
		broker: broker,
		queue:  queue,
		policy: retry.New(opts, logger),
		logger: logger,
		now:    time.Now,
	}
}

// Publish sends envelope wrapped in the result pattern. Encoding failures
// wrap domain.ErrSerialization and are never retried.
func (p *Publisher) Publish(ctx context.Context, envelope domain.ResultEnvelope) error {
	body, err := json.Marshal(domain.ResultMessage{
		Pattern: domain.ResultPattern,
		Data:    envelope,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}

	err = p.policy.Do(ctx, "Publish result "+envelope.CampaignID, func(ctx context.Context) error {
		return p.broker.Publish(ctx, p.queue, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    envelope.CampaignID,
			Timestamp:    p.now(),
			Headers:      amqp.Table{"pattern": domain.ResultPattern},
			Body:         body,
		})
	})
	if err != nil {
		return err
	}

	p.logger.Info("Result published",
		slog.String("campaign_id", envelope.CampaignID),
		slog.String("queue", p.queue),
		slog.Bool("has_error", envelope.Error != nil),
	)

	return nil
}

func isTransientPublishError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, rabbitmq.ErrNotConnected) || errors.Is(err, amqp.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, keyword := range transientKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}

	return false
}
