package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, time.Millisecond, 10*time.Millisecond)
	transient := fmt.Errorf("fetch page: %w", ErrTransientFetch)

	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("put: %w", ErrTransientStorage), 2))
	require.False(t, p.ShouldRetry(transient, 3), "bounded by max attempts")
	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(fmt.Errorf("item: %w", ErrPermanentItem), 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("src: %w", ErrFatalConfig), 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(errors.New("boom"), 1))
	require.True(t, p.ShouldRetry(timeoutErr{}, 1))
}

func TestExponentialRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
	require.Equal(t, 5, p.MaxAttempts())
}

func TestNewRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	require.NoError(t, StatusError("u", 200, true))
	require.ErrorIs(t, StatusError("u", 429, false), ErrTransientFetch)
	require.ErrorIs(t, StatusError("u", 503, true), ErrTransientFetch)
	require.ErrorIs(t, StatusError("u", 404, true), ErrFatalConfig)
	require.ErrorIs(t, StatusError("u", 404, false), ErrPermanentItem)
	require.ErrorIs(t, StatusError("u", 400, true), ErrPermanentItem)
}
