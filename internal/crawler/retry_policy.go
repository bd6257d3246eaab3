package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether and when a failed fetch attempt is retried.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt may follow the given number of attempts.
	ShouldRetry(err error, attempts int) bool
	// Backoff returns the wait before the attempt following the given number of attempts.
	Backoff(attempts int) time.Duration
}

// RetryConfig tunes ExponentialRetryPolicy. Zero values select the defaults;
// a negative MaxRetries disables retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	Factor         float64
	MaxBackoff     time.Duration
	DisableJitter  bool
}

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultBackoffFactor  = 2.0
	defaultMaxBackoff     = 30 * time.Second
)

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
// Only TransientError failures are retried.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	factor     float64
	maxDelay   time.Duration
	jitter     bool
}

// NewExponentialRetryPolicy builds a policy, filling unset fields with defaults.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	p := &ExponentialRetryPolicy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.InitialBackoff,
		factor:     cfg.Factor,
		maxDelay:   cfg.MaxBackoff,
		jitter:     !cfg.DisableJitter,
	}
	if p.maxRetries < 0 {
		p.maxRetries = 0
	}
	if cfg.MaxRetries == 0 {
		p.maxRetries = defaultMaxRetries
	}
	if p.baseDelay <= 0 {
		p.baseDelay = defaultInitialBackoff
	}
	if p.factor < 1 {
		p.factor = defaultBackoffFactor
	}
	if p.maxDelay <= 0 {
		p.maxDelay = defaultMaxBackoff
	}
	return p
}

// MaxRetries reports the retry budget.
func (p *ExponentialRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempts int) bool {
	if err == nil {
		return false
	}
	if attempts > p.maxRetries {
		return false
	}
	// Caller cancellation is never retried, even when a transient wrapper carries it.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsTransient(err)
}

// Backoff returns the wait duration before the next attempt:
// initial * factor^(attempts-1) plus uniform jitter in [0, delay).
func (p *ExponentialRetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(p.baseDelay) * math.Pow(p.factor, float64(attempts-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	wait := time.Duration(delay)
	if p.jitter {
		wait += p.randomJitter(wait)
	}
	return wait
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
