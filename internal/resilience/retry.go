// Package resilience provides retry and circuit-breaker protection for the
// service's outward calls: Twilio call placement and the initial agent
// backend dial. It is deliberately not used mid-call; a dropped call is
// never resumed, a new one is placed from scratch.
package resilience

import (
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxAttempts       int           // Maximum number of attempts
	InitialBackoff    time.Duration // Backoff before the second attempt
	MaxBackoff        time.Duration // Backoff ceiling
	BackoffMultiplier float64       // Exponential growth factor
	Jitter            bool          // Randomize backoff up to 25%
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// IsRetryable reports whether an error is worth retrying.
type IsRetryable func(error) bool

// Retry executes fn with exponential backoff. A nil isRetryable treats
// every error as retryable.
func Retry(fn RetryableFunc, config *RetryConfig, isRetryable IsRetryable) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if config.Jitter {
			sleep += time.Duration(rand.Float64() * 0.25 * float64(sleep))
		}
		if sleep > config.MaxBackoff {
			sleep = config.MaxBackoff
		}
		time.Sleep(sleep)

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}
