// Package retrier runs an operation until it succeeds, fails permanently or
// runs out of attempts.
package retrier

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
)

// Policy describes the attempt schedule. The zero value makes one attempt.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// Interval is the wait before the second call.
	Interval time.Duration
	// MaxInterval caps the wait. Zero means no cap.
	MaxInterval time.Duration
	// Multiplier grows the wait after every failure. Values <= 1 keep it
	// constant.
	Multiplier float64
	// Jitter spreads each wait by +-Jitter of its length (0..1).
	Jitter float64
	// OnRetry, when set, sees every failure that is followed by another
	// attempt.
	OnRetry func(attempt int, err error)
}

// Constant polls every d, attempts times in total.
func Constant(d time.Duration, attempts int) Policy {
	return Policy{Attempts: attempts, Interval: d}
}

// Exponential doubles the wait from initial up to ceiling with 10% jitter.
func Exponential(initial, ceiling time.Duration, attempts int) Policy {
	return Policy{
		Attempts:    attempts,
		Interval:    initial,
		MaxInterval: ceiling,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn according to p and returns the last error. A cancelled ctx
// ends the wait between attempts with ctx.Err().
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	wait := p.Interval

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= attempts {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if serr := sleep(ctx, p.spread(wait)); serr != nil {
			return serr
		}
		wait = p.next(wait)
	}
}

// Value is Do for operations that produce a result. The result of the last
// call is returned together with its error.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (p Policy) next(wait time.Duration) time.Duration {
	if p.Multiplier > 1 {
		wait = time.Duration(float64(wait) * p.Multiplier)
	}
	if p.MaxInterval > 0 && wait > p.MaxInterval {
		wait = p.MaxInterval
	}
	return wait
}

func (p Policy) spread(wait time.Duration) time.Duration {
	if p.Jitter <= 0 || wait <= 0 {
		return wait
	}
	delta := (rand.Float64()*2 - 1) * p.Jitter * float64(wait)
	return max(time.Duration(float64(wait)+delta), 0)
}

func sleep(ctx context.Context, d time.Duration) error {
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
