package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{})
	require.Equal(t, 3, p.MaxRetries())

	p = NewExponentialRetryPolicy(RetryConfig{MaxRetries: -1})
	require.Equal(t, 0, p.MaxRetries())
}

func TestExponentialRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{MaxRetries: 2})
	transient := &TransientError{URL: "https://example.com", StatusCode: 503, Err: errors.New("unavailable")}
	fatal := &FatalError{URL: "https://example.com", StatusCode: 404, Err: errors.New("not found")}

	testCases := []struct {
		name     string
		err      error
		attempts int
		want     bool
	}{
		{"nil error", nil, 1, false},
		{"transient first attempt", transient, 1, true},
		{"transient last retry", transient, 2, true},
		{"transient budget exhausted", transient, 3, false},
		{"wrapped transient", fmt.Errorf("page: %w", transient), 1, true},
		{"fatal", fatal, 1, false},
		{"unclassified", errors.New("boom"), 1, false},
		{"canceled", context.Canceled, 1, false},
		{"transient carrying cancel", &TransientError{Err: context.Canceled}, 1, false},
		{"transient carrying timeout", &TransientError{Err: context.DeadlineExceeded}, 1, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempts))
		})
	}
}

func TestExponentialRetryPolicy_BackoffGrowsWithoutJitter(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		Factor:         2,
		MaxBackoff:     time.Second,
		DisableJitter:  true,
	})

	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 200*time.Millisecond, p.Backoff(2))
	require.Equal(t, 400*time.Millisecond, p.Backoff(3))
	require.Equal(t, time.Second, p.Backoff(10))
}

func TestExponentialRetryPolicy_JitterStaysWithinDelay(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{InitialBackoff: 50 * time.Millisecond, Factor: 2})
	for i := 0; i < 50; i++ {
		wait := p.Backoff(2)
		require.GreaterOrEqual(t, wait, 100*time.Millisecond)
		require.Less(t, wait, 200*time.Millisecond)
	}
}

func TestErrorClassificationHelpers(t *testing.T) {
	t.Parallel()

	transient := fmt.Errorf("wrap: %w", &TransientError{URL: "u", Err: errors.New("reset")})
	fatal := fmt.Errorf("wrap: %w", &FatalError{URL: "u", StatusCode: 410, Err: errors.New("gone")})

	require.True(t, IsTransient(transient))
	require.False(t, IsFatal(transient))
	require.True(t, IsFatal(fatal))
	require.False(t, IsTransient(fatal))
	require.Contains(t, fatal.Error(), "status 410")
}
