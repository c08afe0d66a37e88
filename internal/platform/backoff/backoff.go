// Package backoff holds the pure delay tables for upstream reconnection and
// a small classified retry loop shared by the connector and the room
// lifecycle.
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/immurray/tkLiveWebSocket/internal/domain"
)

// Connect returns the delay before the next websocket connect attempt,
// given the class of the failure and the 1-based count of failed attempts
// so far. Network-level failures back off exponentially; everything else
// grows linearly.
func Connect(class domain.FailureClass, attempt int) time.Duration {
	if class == domain.FailureNetwork {
		return time.Duration(2*(1<<attempt)+2*attempt) * time.Second
	}
	return time.Duration(2*attempt) * time.Second
}

// Cycle returns the delay before the next full connect-and-stream cycle of
// a room's lifecycle task.
func Cycle(class domain.FailureClass, attempt int) time.Duration {
	if class == domain.FailureNetwork {
		return time.Duration(5*attempt) * time.Second
	}
	return time.Duration(3*attempt) * time.Second
}

// DelayFunc computes the delay after a failed attempt. attempt is 1-based.
type DelayFunc func(err error, attempt int) time.Duration

// Retry runs op up to maxAttempts times, sleeping delay(err, attempt)
// between failures. The sleep is interrupted by context cancellation. On
// exhaustion the last error is returned wrapped.
func Retry(ctx context.Context, maxAttempts int, delay DelayFunc, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(delay(lastErr, attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
