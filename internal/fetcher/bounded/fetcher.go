// Package bounded wraps a crawler.Fetcher with a concurrency ceiling,
// per-host politeness, and retry with jittered exponential backoff.
package bounded

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/metrics"
)

const defaultConcurrency = 10

// Waiter blocks until a request to rawURL may proceed.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the wrapper.
type Config struct {
	// Concurrency is the ceiling N on simultaneous attempts; defaults to 10.
	Concurrency int
	Retry       crawler.RetryPolicy
	// Politeness is optional; nil disables per-host pacing.
	Politeness Waiter
	// Blocklist rejects requests before any attempt; nil allows every host.
	Blocklist *crawler.HostBlocklist
	Logger    *zap.Logger
}

// Fetcher enforces the shared ceiling across every caller of Fetch.
// A slot is held for a single attempt only, never across backoff delays.
type Fetcher struct {
	next       crawler.Fetcher
	sem        *semaphore.Weighted
	retry      crawler.RetryPolicy
	politeness Waiter
	blocklist  *crawler.HostBlocklist
	logger     *zap.Logger
	inFlight   atomic.Int64
	sleep      func(ctx context.Context, d time.Duration) error
}

// New wraps next.
func New(next crawler.Fetcher, cfg Config) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Retry == nil {
		cfg.Retry = crawler.NewExponentialRetryPolicy(crawler.RetryConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Fetcher{
		next:       next,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		retry:      cfg.Retry,
		politeness: cfg.Politeness,
		blocklist:  cfg.Blocklist,
		logger:     cfg.Logger.Named("fetcher"),
		sleep:      sleepContext,
	}
}

// InFlight reports the number of attempts currently holding a slot.
func (f *Fetcher) InFlight() int64 {
	return f.inFlight.Load()
}

// Fetch runs attempts until success, a non-retryable error, or an exhausted
// retry budget. The final error is returned unchanged. Blocked hosts fail
// with a FatalError wrapping crawler.ErrBlockedHost and no attempt is made.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.blocklist.BlocksURL(request.URL) {
		metrics.ObserveFetchAttempt(request.URL, "blocked", 0)
		return crawler.FetchResponse{}, &crawler.FatalError{URL: request.URL, Err: crawler.ErrBlockedHost}
	}
	for attempts := 1; ; attempts++ {
		resp, err := f.attempt(ctx, request)
		if err == nil {
			return resp, nil
		}
		if !f.retry.ShouldRetry(err, attempts) {
			return resp, err
		}
		wait := f.retry.Backoff(attempts)
		f.logger.Debug("retrying fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if sleepErr := f.sleep(ctx, wait); sleepErr != nil {
			return crawler.FetchResponse{}, sleepErr
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.politeness != nil {
		if err := f.politeness.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("politeness wait: %w", err)
		}
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("acquire fetch slot: %w", err)
	}
	f.inFlight.Add(1)
	metrics.IncFetchInFlight()
	defer func() {
		f.inFlight.Add(-1)
		metrics.DecFetchInFlight()
		f.sem.Release(1)
	}()

	resp, err := f.next.Fetch(ctx, request)
	metrics.ObserveFetchAttempt(request.URL, outcome(err), len(resp.Body))
	return resp, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded) && !crawler.IsTransient(err):
		return "canceled"
	case crawler.IsTransient(err):
		return "transient"
	case crawler.IsFatal(err):
		return "fatal"
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
