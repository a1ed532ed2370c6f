package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"consentflow/internal/platform/metrics"
)

// Policy bounds how adapter calls are retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0, 1] applied to each delay.
	Jitter float64
	// CallTimeout bounds a single attempt.
	CallTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
		CallTimeout: 30 * time.Second,
	}
}

// Do runs fn until it succeeds, fails with a non-retry outcome, or runs out
// of attempts. Only OutcomeRetry failures are retried. On failure the
// returned Decision describes the last error; on success it is the zero
// Decision with Attempts set.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (Decision, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var (
		last     Decision
		attempts int
	)
	operation := func() error {
		attempts++
		callCtx := ctx
		if p.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
			defer cancel()
		}

		err := fn(callCtx)
		if err == nil {
			last = Decision{}
			return nil
		}
		if ctx.Err() != nil {
			last = Decision{Outcome: OutcomeUnclassified, Reason: "cancelled: " + ctx.Err().Error()}
			return backoff.Permanent(err)
		}
		last = Classify(err)
		if p.Metrics != nil {
			p.Metrics.IncrementRetryDecision(string(last.Outcome))
		}
		if last.Outcome != OutcomeRetry {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if p.Logger != nil {
			p.Logger.DebugContext(ctx, "retrying adapter call",
				"attempt", attempts,
				"wait", wait,
				"error", err,
			)
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, bo, notify)
	last.Attempts = attempts
	if err == nil {
		return last, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if last.Outcome == OutcomeRetry {
		last.Reason = "retries exhausted: " + last.Reason
	}
	return last, err
}
