package client

import (
	"context"
	"fmt"
	"time"

	"github.com/jamesainslie/pushsync/pkg/pushsync/config"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
)

// RetryPolicy decides how often and how long to wait between whole-session
// attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     map[ErrorClass]time.Duration
	Default     time.Duration

	// Sleep waits d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the built-in policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: config.DefaultMaxAttempts,
		Backoff: map[ErrorClass]time.Duration{
			ClassConnRefused: config.DefaultRefusedBackoff,
			ClassTimeout:     config.DefaultTimeoutBackoff,
			ClassProtocol:    config.DefaultProtocolBackoff,
			ClassTransfer:    config.DefaultTransferBackoff,
		},
		Default: config.DefaultOtherBackoff,
	}
}

// RetryPolicyFromConfig builds a policy from the client.retry section.
func RetryPolicyFromConfig(rc config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: rc.MaxAttempts,
		Backoff: map[ErrorClass]time.Duration{
			ClassConnRefused: rc.RefusedBackoff,
			ClassTimeout:     rc.TimeoutBackoff,
			ClassProtocol:    rc.ProtocolBackoff,
			ClassTransfer:    rc.TransferBackoff,
		},
		Default: rc.DefaultBackoff,
	}
}

// BackoffFor returns the wait after a failure of class.
func (p RetryPolicy) BackoffFor(class ErrorClass) time.Duration {
	if d, ok := p.Backoff[class]; ok {
		return d
	}
	return p.Default
}

// Do runs fn until it succeeds, fails with a non-retryable class, or the
// attempt budget is spent. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, log logging.Sink, fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		class := Classify(err)
		if !class.Retryable() {
			log.Error("sync failed", "class", class.String(), "error", err)
			return attempt, err
		}
		if attempt == maxAttempts {
			log.Error("giving up", "attempts", attempt, "error", err)
			break
		}

		wait := p.BackoffFor(class)
		log.Warn("sync attempt failed",
			"attempt", fmt.Sprintf("%d/%d", attempt, maxAttempts),
			"class", class.String(),
			"retry_in", wait,
			"error", err)
		if serr := sleep(ctx, wait); serr != nil {
			return attempt, serr
		}
	}
	return maxAttempts, fmt.Errorf("sync failed after %d attempts: %w", maxAttempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
