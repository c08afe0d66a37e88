package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immurray/tkLiveWebSocket/internal/domain"
)

func TestConnect_DelayTable(t *testing.T) {
	tests := []struct {
		class   domain.FailureClass
		attempt int
		want    time.Duration
	}{
		{domain.FailureNetwork, 1, 6 * time.Second},
		{domain.FailureNetwork, 2, 12 * time.Second},
		{domain.FailureNetwork, 3, 22 * time.Second},
		{domain.FailureTimeout, 1, 2 * time.Second},
		{domain.FailureTimeout, 4, 8 * time.Second},
		{domain.FailureBadStatus, 2, 4 * time.Second},
		{domain.FailureUnknown, 3, 6 * time.Second},
	}

	for _, tt := range tests {
		got := Connect(tt.class, tt.attempt)
		assert.Equal(t, tt.want, got, "class=%s attempt=%d", tt.class, tt.attempt)
	}
}

func TestCycle_DelayTable(t *testing.T) {
	assert.Equal(t, 5*time.Second, Cycle(domain.FailureNetwork, 1))
	assert.Equal(t, 10*time.Second, Cycle(domain.FailureNetwork, 2))
	assert.Equal(t, 3*time.Second, Cycle(domain.FailureTimeout, 1))
	assert.Equal(t, 6*time.Second, Cycle(domain.FailureUnknown, 2))
}

func noDelay(error, int) time.Duration { return 0 }

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, noDelay, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustionWrapsLastError(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), 3, noDelay, func() error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	err := Retry(ctx, 5, func(error, int) time.Duration { return time.Hour }, func() error {
		cancel()
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_DelaySeesAttemptAndError(t *testing.T) {
	sentinel := errors.New("boom")
	var attempts []int
	_ = Retry(context.Background(), 3, func(err error, attempt int) time.Duration {
		assert.ErrorIs(t, err, sentinel)
		attempts = append(attempts, attempt)
		return 0
	}, func() error { return sentinel })

	assert.Equal(t, []int{1, 2}, attempts)
}
