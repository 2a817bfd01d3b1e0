// Package retry provides backoff schedules and a context-aware retry loop
// for remote fetches (taxonomy bundles, corpus indexes).
package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy defines how to calculate the next retry delay.
type BackoffStrategy int

const (
	// BackoffExponential uses exponential backoff: base * 2^(attempt-1)
	BackoffExponential BackoffStrategy = iota

	// BackoffLinear uses linear backoff: base * attempt
	BackoffLinear

	// BackoffConstant uses constant backoff: base (no increase)
	BackoffConstant
)

// BackoffConfig configures the backoff behavior.
type BackoffConfig struct {
	// Strategy is the backoff strategy to use.
	// Default is BackoffExponential.
	Strategy BackoffStrategy

	// BaseInterval is the base interval for backoff calculation.
	BaseInterval time.Duration

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration

	// Jitter adds randomness to prevent thundering herd.
	// Value between 0.0 (no jitter) and 1.0 (full jitter).
	Jitter float64
}

// DefaultBackoffConfig returns the backoff used for network fetches:
// 500ms, 1s, 2s, ... capped at 30s with 10% jitter.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: 500 * time.Millisecond,
		MaxInterval:  30 * time.Second,
		Jitter:       0.1,
	}
}

// Interval returns the delay before the given attempt (1-based).
func (c *BackoffConfig) Interval(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	var interval time.Duration
	switch c.Strategy {
	case BackoffLinear:
		interval = c.BaseInterval * time.Duration(attempts)
	case BackoffConstant:
		interval = c.BaseInterval
	default:
		multiplier := math.Pow(2, float64(attempts-1))
		interval = time.Duration(float64(c.BaseInterval) * multiplier)
	}

	if c.MaxInterval > 0 && interval > c.MaxInterval {
		interval = c.MaxInterval
	}
	if c.Jitter > 0 {
		interval = c.applyJitter(interval)
	}
	return interval
}

// applyJitter spreads interval over [1-jitter, 1+jitter].
func (c *BackoffConfig) applyJitter(interval time.Duration) time.Duration {
	jitter := c.Jitter
	if jitter > 1 {
		jitter = 1
	}
	jitterRange := float64(interval) * jitter
	jitterValue := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(interval) + jitterValue)
}

// Schedule returns the jitter-free delays for maxAttempts attempts.
func (c *BackoffConfig) Schedule(maxAttempts int) []time.Duration {
	if maxAttempts <= 0 {
		return nil
	}
	noJitter := *c
	noJitter.Jitter = 0
	schedule := make([]time.Duration, maxAttempts)
	for i := range maxAttempts {
		schedule[i] = noJitter.Interval(i + 1)
	}
	return schedule
}
