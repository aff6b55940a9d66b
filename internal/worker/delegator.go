package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/campaign-worker/internal/worker/domain"
	"github.com/cuongbtq/campaign-worker/shared/retry"
	"golang.org/x/time/rate"
)

const (
	generatePath = "/generate"

	// maxErrorBody caps how much of a failed response is kept for the error envelope
	maxErrorBody = 512
)

// DelegatorConfig holds configuration for the generation service client
type DelegatorConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	Retry          retry.Options

	// RateLimit is the allowed requests per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Delegator calls the downstream generation service
type Delegator struct {
	endpoint string
	client   *http.Client
	policy   *retry.Policy
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewDelegator creates a Delegator. A nil client gets one bounded by
// RequestTimeout.
func NewDelegator(cfg DelegatorConfig, client *http.Client, metrics *Metrics, logger *slog.Logger) *Delegator {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	opts := cfg.Retry
	opts.ShouldRetry = func(err error, _ int) bool {
		return isRetryableDelegation(err)
	}
	if metrics != nil {
		opts.OnRetry = func(int, error, time.Duration) {
			metrics.Retries.WithLabelValues("delegate").Inc()
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Delegator{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + generatePath,
		client:   client,
		policy:   retry.New(opts, logger),
		limiter:  limiter,
		logger:   logger,
	}
}

// Delegate sends the job to the generation service. Every returned error
// wraps domain.ErrDelegation.
func (d *Delegator) Delegate(ctx context.Context, job domain.CampaignJob) (domain.GenerationResult, error) {
	d.logger.Info("Delegating to generation service",
		slog.String("campaign_id", job.CampaignID),
	)

	body, err := json.Marshal(job)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: %v", domain.ErrDelegation, err)
	}

	result, err := retry.Execute(ctx, d.policy, "Generate campaign "+job.CampaignID, func(ctx context.Context) (domain.GenerationResult, error) {
		return d.generate(ctx, body)
	})
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: %w", domain.ErrDelegation, err)
	}

	d.logger.Info("Received response from generation service",
		slog.String("campaign_id", job.CampaignID),
	)

	return result, nil
}

// generate performs a single attempt
func (d *Delegator) generate(ctx context.Context, body []byte) (domain.GenerationResult, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return domain.GenerationResult{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("generate POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.GenerationResult{}, &domain.StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	var payload struct {
		CampaignID    *string `json:"campaignId"`
		GeneratedText *string `json:"generatedText"`
		ImagePath     *string `json:"imagePath"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidResponse, err)
	}
	if payload.CampaignID == nil || payload.GeneratedText == nil || payload.ImagePath == nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: missing campaignId, generatedText or imagePath", domain.ErrInvalidResponse)
	}

	return domain.GenerationResult{
		CampaignID:    *payload.CampaignID,
		GeneratedText: *payload.GeneratedText,
		ImagePath:     *payload.ImagePath,
	}, nil
}

// isRetryableDelegation retries transport failures, timeouts, 5xx and 429
func isRetryableDelegation(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrInvalidResponse) {
		return false
	}

	var statusErr *domain.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
