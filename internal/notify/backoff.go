package notify

import (
	"context"
	"time"
)

// Backoff computes min(base * 2^attempts, max).
// Params: completed attempts, base delay, and cap; non-positive cap disables capping.
// Returns: wait duration before next attempt.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		if max > 0 && delay >= max {
			return max
		}
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// waitBackoff blocks for d or until ctx is done.
// Params: context and delay.
// Returns: ctx error when cancelled first.
func waitBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
