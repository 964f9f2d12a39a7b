package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRunner wraps a Runner with a circuit breaker over spawn failures.
// A misconfigured or missing agent binary fails every session the same way;
// once the breaker opens, remaining sessions fail fast instead of each
// burning a full spawn attempt. Task-level outcomes (crashed, timed out)
// are not failures from the breaker's point of view.
type BreakerRunner struct {
	inner Runner
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerRunner wraps the given runner.
func NewBreakerRunner(inner Runner, log *slog.Logger) *BreakerRunner {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-spawn",
		MaxRequests: 1,                // one probe in half-open state
		Timeout:     30 * time.Second, // stay open for 30s before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not an agent failure.
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
	return &BreakerRunner{inner: inner, cb: cb}
}

// Execute runs the assignment through the breaker.
func (b *BreakerRunner) Execute(ctx context.Context, a Assignment) (*Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Execute(ctx, a)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("agent spawning suspended after repeated failures: %w", err)
		}
		return nil, err
	}
	return out.(*Result), nil
}
