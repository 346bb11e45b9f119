// ABOUTME: Bounded retry with backoff, per-attempt timeouts and a circuit breaker
// ABOUTME: Wraps outbound I/O (Telegram delivery, blob deletion) so callers never block indefinitely

// Package retry runs fallible I/O a bounded number of times and reports a
// retryable ErrUnavailable when it keeps failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the operation kept failing, timed out on
// every attempt, or the circuit is open. Callers may retry later.
var ErrUnavailable = errors.New("temporarily unavailable")

// Policy bounds how an operation is retried.
type Policy struct {
	Attempts   int           // total attempts, at least 1
	Timeout    time.Duration // per attempt; 0 means no per-attempt timeout
	Backoff    time.Duration // delay before the second attempt, doubled after each failure
	MaxBackoff time.Duration // cap for the doubled delay

	// Breaker trips after this many consecutive failed attempts; 0 disables it.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration
}

// DefaultPolicy is used for outbound calls unless configured otherwise.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:        3,
		Timeout:         10 * time.Second,
		Backoff:         200 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it immediately without retrying
// and without counting it against the breaker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Runner executes operations under a Policy.
type Runner struct {
	name    string
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Runner. name identifies the breaker in logs.
func New(name string, policy Policy, logger *slog.Logger) *Runner {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "retry", "target", name)

	r := &Runner{
		name:   name,
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
	}

	if policy.BreakerFailures > 0 {
		threshold := policy.BreakerFailures
		r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     policy.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || isPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return r
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted, the breaker is open, or ctx is done. Each attempt gets its own
// timeout derived from ctx.
func (r *Runner) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	delay := r.policy.Backoff

	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		err := r.attempt(ctx, op)
		if err == nil {
			return nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: %w", ErrUnavailable, r.name, err)
		}
		last = err

		if ctx.Err() != nil {
			break
		}
		if attempt == r.policy.Attempts {
			break
		}

		r.logger.Debug("attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			break
		}
		delay *= 2
		if r.policy.MaxBackoff > 0 && delay > r.policy.MaxBackoff {
			delay = r.policy.MaxBackoff
		}
	}

	r.logger.Warn("operation failed", "attempts", r.policy.Attempts, "error", last)
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, r.name, last)
}

func (r *Runner) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	run := func() (any, error) {
		actx := ctx
		if r.policy.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
			defer cancel()
		}
		return nil, op(actx)
	}

	if r.breaker == nil {
		_, err := run()
		return err
	}
	_, err := r.breaker.Execute(run)
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
