package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestPolicy(opts Options) (*Policy, *[]time.Duration) {
	p := New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestPolicy_Do_AttemptCount(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
	}{
		{name: "no retries", maxRetries: 0},
		{name: "one retry", maxRetries: 1},
		{name: "three retries", maxRetries: 3},
		{name: "ten retries", maxRetries: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, slept := newTestPolicy(Options{
				MaxRetries:        tt.maxRetries,
				InitialDelay:      10 * time.Millisecond,
				MaxDelay:          time.Second,
				BackoffMultiplier: 2,
			})

			calls := 0
			err := p.Do(context.Background(), "always fails", func(context.Context) error {
				calls++
				return errBoom
			})

			require.Error(t, err)
			assert.ErrorIs(t, err, errBoom)
			assert.Equal(t, tt.maxRetries+1, calls)
			assert.Len(t, *slept, tt.maxRetries)
		})
	}
}

func TestPolicy_Do_SuccessStopsImmediately(t *testing.T) {
	p, slept := newTestPolicy(Options{MaxRetries: 5})

	calls := 0
	err := p.Do(context.Background(), "succeeds on third", func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
}

func TestPolicy_Do_ShouldRetryFalseStopsWithoutDelay(t *testing.T) {
	var seenAttempts []int
	p, slept := newTestPolicy(Options{
		MaxRetries: 5,
		ShouldRetry: func(err error, attempt int) bool {
			seenAttempts = append(seenAttempts, attempt)
			return attempt < 1
		},
	})

	calls := 0
	err := p.Do(context.Background(), "stops", func(context.Context) error {
		calls++
		return errBoom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{0, 1}, seenAttempts)
	assert.Len(t, *slept, 1)
}

func TestPolicy_Do_ShouldRetryNotCalledOnLastAttempt(t *testing.T) {
	called := 0
	p, _ := newTestPolicy(Options{
		MaxRetries: 0,
		ShouldRetry: func(error, int) bool {
			called++
			return true
		},
	})

	err := p.Do(context.Background(), "single", func(context.Context) error { return errBoom })

	require.Error(t, err)
	assert.Zero(t, called)
}

func TestPolicy_Delay_Bounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 2 * time.Second
	multiplier := 2.0
	jitter := 0.5

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		p, _ := newTestPolicy(Options{
			MaxRetries:        10,
			InitialDelay:      initial,
			MaxDelay:          maxDelay,
			BackoffMultiplier: multiplier,
			JitterFactor:      jitter,
		})
		p.random = func() float64 { return r }

		expectedBase := initial
		for attempt := 0; attempt < 8; attempt++ {
			d := p.Delay(attempt)

			lower := expectedBase
			if lower > maxDelay {
				lower = maxDelay
			}
			upper := time.Duration(float64(expectedBase) * (1 + jitter))
			if upper > maxDelay {
				upper = maxDelay
			}

			assert.GreaterOrEqual(t, d, lower, "attempt %d random %v", attempt, r)
			assert.LessOrEqual(t, d, upper, "attempt %d random %v", attempt, r)
			assert.LessOrEqual(t, d, maxDelay)

			expectedBase = time.Duration(float64(expectedBase) * multiplier)
		}
	}
}

func TestPolicy_Delay_Exact(t *testing.T) {
	p, _ := newTestPolicy(Options{
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
	})
	p.random = func() float64 { return 0.5 }

	expected := []time.Duration{
		1050 * time.Millisecond,
		2100 * time.Millisecond,
		4200 * time.Millisecond,
		8400 * time.Millisecond,
		10 * time.Second,
	}
	for attempt, want := range expected {
		assert.InDelta(t, float64(want), float64(p.Delay(attempt)), float64(time.Microsecond), "attempt %d", attempt)
	}
}

func TestPolicy_Do_SleepsComputedDelays(t *testing.T) {
	p, slept := newTestPolicy(Options{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          3 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0,
	})

	_ = p.Do(context.Background(), "delays", func(context.Context) error { return errBoom })

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, *slept)
}

func TestPolicy_Do_OnRetryHook(t *testing.T) {
	var attempts []int
	p, _ := newTestPolicy(Options{
		MaxRetries: 2,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
			assert.ErrorIs(t, err, errBoom)
			assert.Positive(t, delay)
		},
	})

	_ = p.Do(context.Background(), "hook", func(context.Context) error { return errBoom })

	assert.Equal(t, []int{0, 1}, attempts)
}

func TestPolicy_Do_ContextCancelledDuringDelay(t *testing.T) {
	p := New(Options{
		MaxRetries:   5,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "cancelled", func(context.Context) error {
			calls++
			return errBoom
		})
	}()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, errBoom)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestNew_Defaults(t *testing.T) {
	p := New(Options{MaxRetries: -3, BackoffMultiplier: 0.5, JitterFactor: 4}, nil)
	opts := p.Options()

	assert.Equal(t, 0, opts.MaxRetries)
	assert.Equal(t, defaultInitialDelay, opts.InitialDelay)
	assert.Equal(t, defaultMaxDelay, opts.MaxDelay)
	assert.Equal(t, defaultBackoffMultiplier, opts.BackoffMultiplier)
	assert.Equal(t, defaultJitterFactor, opts.JitterFactor)
	require.NotNil(t, opts.ShouldRetry)
	assert.True(t, opts.ShouldRetry(errBoom, 0))
}

func TestExecute_ReturnsValue(t *testing.T) {
	p, _ := newTestPolicy(Options{MaxRetries: 2})

	calls := 0
	v, err := Execute(context.Background(), p, "value", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errBoom
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}
