package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Options holds backoff configuration for a single call site
type Options struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64

	// ShouldRetry decides whether a failed attempt (0-indexed) is retried.
	// Nil means always retry.
	ShouldRetry func(err error, attempt int) bool

	// OnRetry is called before sleeping between attempts
	OnRetry func(attempt int, err error, delay time.Duration)
}

const (
	defaultInitialDelay      = time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultJitterFactor      = 0.1
)

// Policy executes fallible operations with exponential backoff and jitter
type Policy struct {
	opts   Options
	logger *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// New creates a Policy, filling unset options with defaults
func New(opts Options, logger *slog.Logger) *Policy {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = opts.InitialDelay
	}
	if opts.BackoffMultiplier <= 1 {
		opts.BackoffMultiplier = defaultBackoffMultiplier
	}
	if opts.JitterFactor < 0 || opts.JitterFactor > 1 {
		opts.JitterFactor = defaultJitterFactor
	}
	if opts.ShouldRetry == nil {
		opts.ShouldRetry = func(error, int) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Policy{
		opts:   opts,
		logger: logger,
		sleep:  sleepContext,
		random: rand.Float64,
	}
}

// Options returns the effective options after defaults were applied
func (p *Policy) Options() Options {
	return p.opts
}

// Do runs op until it succeeds, the retry budget is spent, or ShouldRetry
// rejects the error. The last error is returned wrapped.
func (p *Policy) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	maxAttempts := p.opts.MaxRetries + 1

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			p.logger.Info("Retrying operation",
				slog.String("label", label),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", maxAttempts),
			)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		if attempt == p.opts.MaxRetries {
			p.logger.Error("Operation failed after all retries",
				slog.String("label", label),
				slog.Int("attempts", maxAttempts),
				slog.Any("error", err),
			)
			return fmt.Errorf("%s failed after %d attempts: %w", label, maxAttempts, err)
		}

		if !p.opts.ShouldRetry(err, attempt) {
			p.logger.Warn("Operation failed with non-retryable error",
				slog.String("label", label),
				slog.Int("attempt", attempt+1),
				slog.Any("error", err),
			)
			return fmt.Errorf("%s failed: %w", label, err)
		}

		delay := p.Delay(attempt)
		p.logger.Warn("Operation failed, retrying...",
			slog.String("label", label),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		if p.opts.OnRetry != nil {
			p.opts.OnRetry(attempt, err, delay)
		}

		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%s interrupted after %d attempts: %w", label, attempt+1, errors.Join(err, sleepErr))
		}
	}
}

// Delay returns the wait before the attempt following the given failed attempt
func (p *Policy) Delay(attempt int) time.Duration {
	base := float64(p.opts.InitialDelay) * math.Pow(p.opts.BackoffMultiplier, float64(attempt))
	withJitter := base * (1 + p.opts.JitterFactor*p.random())

	if withJitter >= float64(p.opts.MaxDelay) {
		return p.opts.MaxDelay
	}
	return time.Duration(withJitter)
}

// Execute is the value-returning form of Policy.Do
func Execute[T any](ctx context.Context, p *Policy, label string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, label, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
