// Package resilience provides fault-tolerance patterns for remote store
// calls: retry with exponential backoff, circuit breaker, bulkhead and
// client-side rate limiting.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds resilience parameters.
type Config struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxConcurrency    int
	RequestsPerSecond float64
}

// PermanentError marks a failure retrying cannot fix (a 4xx answer, a
// constraint violation). It still counts as a success for the breaker.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so RetryWithBackoff gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// RetryWithBackoff executes fn with exponential backoff + jitter.
// It respects context cancellation and stops on permanent errors.
func RetryWithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil || IsPermanent(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * cfg.InitialBackoff
			wait := backoff
			if half := int64(backoff / 2); half > 0 {
				wait += time.Duration(rand.Int63n(half))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

// NewCircuitBreaker creates a circuit breaker with sensible defaults.
// Permanent errors do not count towards tripping it.
func NewCircuitBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                // half-open: allow 3 requests
		Interval:    30 * time.Second, // closed: reset counters every 30s
		Timeout:     10 * time.Second, // open -> half-open after 10s
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Bulkhead limits concurrent access to a resource.
type Bulkhead struct {
	sem chan struct{}
}

// NewBulkhead creates a bulkhead with the given max concurrency.
func NewBulkhead(maxConcurrency int) *Bulkhead {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Bulkhead{sem: make(chan struct{}, maxConcurrency)}
}

// Acquire blocks until a slot is available or context is cancelled.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (b *Bulkhead) Release() {
	<-b.sem
}

// NewLimiter returns a token bucket allowing rps calls per second with a
// burst of one second's worth. rps <= 0 disables limiting.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(math.Ceil(rps))
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Guard admits a call through the bulkhead and the rate limiter.
type Guard struct {
	bulkhead *Bulkhead
	limiter  *rate.Limiter
}

// NewGuard builds a guard from cfg.
func NewGuard(cfg Config) *Guard {
	return &Guard{bulkhead: NewBulkhead(cfg.MaxConcurrency), limiter: NewLimiter(cfg.RequestsPerSecond)}
}

// Do runs fn once a concurrency slot and a rate token are available.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	if err := g.bulkhead.Acquire(ctx); err != nil {
		return err
	}
	defer g.bulkhead.Release()

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn()
}
