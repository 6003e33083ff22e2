package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Backoff selects how the delay grows between attempts.
type Backoff int

const (
	// Exponential waits InitialDelay * Multiplier^(n-1) before attempt n+1.
	Exponential Backoff = iota
	// Linear waits n * InitialDelay before attempt n+1.
	Linear
)

// ErrExhausted is wrapped by the error returned once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config holds retry configuration
type Config struct {
	Enabled            bool          // Enable/disable retry logic
	MaxAttempts        int           // Total number of attempts, including the first one
	InitialDelay       time.Duration // Delay unit before the second attempt
	MaxDelay           time.Duration // Maximum delay between attempts (0 = uncapped)
	Backoff            Backoff       // Delay growth strategy
	Multiplier         float64       // Exponential backoff multiplier (typically 2.0)
	Jitter             bool          // Add up to 25% random jitter
	RetryableErrors    []error       // Errors that should trigger retry (nil = all errors)
	NonRetryableErrors []error       // Errors that must never be retried

	// OnRetry is called before waiting for attempt+1.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Backoff:      Exponential,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// LinearConfig returns a configuration making attempts total tries, waiting
// attempt*base between them.
func LinearConfig(attempts int, base time.Duration) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  attempts,
		InitialDelay: base,
		Backoff:      Linear,
	}
}

// Retry executes fn until it succeeds, the attempt budget is spent, or ctx is done.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a result with retry logic
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if matchesAny(err, cfg.NonRetryableErrors) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
		if len(cfg.RetryableErrors) > 0 && !matchesAny(err, cfg.RetryableErrors) {
			return zero, fmt.Errorf("error not in retryable list: %w", err)
		}

		if attempt == attempts {
			break
		}

		delay := calculateDelay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// calculateDelay returns the wait after the given (1-based) failed attempt.
func calculateDelay(cfg Config, attempt int) time.Duration {
	var delay float64
	switch cfg.Backoff {
	case Linear:
		delay = float64(cfg.InitialDelay) * float64(attempt)
	default:
		mult := cfg.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		delay = float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	}

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	duration := time.Duration(delay)
	if cfg.Jitter && duration > 0 {
		duration += time.Duration(rand.Int63n(int64(duration)/4 + 1))
	}
	return duration
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
