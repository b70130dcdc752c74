package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"wellpulse/internal/types"
)

// BreakerDispatcher wraps another Dispatcher with a circuit breaker. The
// inner dispatcher reports failures as data, so the breaker converts a
// non-delivered result back into an error internally to drive its failure
// counting, then re-flattens everything to a result for callers.
//
// With the breaker open, jobs short-circuit to a failed result without
// touching the inner dispatcher.
type BreakerDispatcher struct {
	inner   Dispatcher
	breaker *gobreaker.CircuitBreaker[types.NotificationDispatchResult]
	clock   types.Clock
}

var _ Dispatcher = (*BreakerDispatcher)(nil)

func NewBreakerDispatcher(inner Dispatcher, clock types.Clock) *BreakerDispatcher {
	if clock == nil {
		clock = types.RealClock{}
	}
	cb := gobreaker.NewCircuitBreaker[types.NotificationDispatchResult](gobreaker.Settings{
		Name:        fmt.Sprintf("dispatch-%s", inner.Channel()),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &BreakerDispatcher{inner: inner, breaker: cb, clock: clock}
}

func (d *BreakerDispatcher) Channel() types.ChannelType { return d.inner.Channel() }

func (d *BreakerDispatcher) Dispatch(ctx context.Context, job types.NotificationJob) types.NotificationDispatchResult {
	result, err := d.breaker.Execute(func() (types.NotificationDispatchResult, error) {
		r := d.inner.Dispatch(ctx, job)
		if !r.Delivered {
			return r, errors.New(r.Message)
		}
		return r, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// The inner dispatcher never ran; synthesize the failed result.
		return types.NotificationDispatchResult{
			JobID:           job.JobID,
			UserID:          job.UserID,
			Type:            job.Type,
			DispatchedAtUTC: d.clock.Now(),
			Delivered:       false,
			Message:         "delivery channel temporarily unavailable",
		}
	}
	return result
}
