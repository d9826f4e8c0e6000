// Package throttle provides an adaptive rate limiter for outbound calls to
// metered backends. The rate grows slowly while calls succeed and is cut
// whenever the backend signals overload (HTTP 429 or 5xx).
//
// There is no retry logic: every call is attempted once.
//
// Example usage:
//
//	lim := throttle.New(5, 1, 20, 1, 0.5)
//	err := lim.Do(ctx, func(ctx context.Context) error {
//	    return callBackend(ctx)
//	})
package throttle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// recoveryWindow is how long after an overload signal the rate stays put.
const recoveryWindow = 10 * time.Second

// StatusError is implemented by errors that carry an HTTP status code.
type StatusError interface {
	error
	StatusCode() int
}

// Limiter manages a rate limit that adjusts automatically based on the
// outcome of calls. Safe for concurrent use.
type Limiter struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	minLimit  rate.Limit
	maxLimit  rate.Limit
	stepUp    rate.Limit
	stepDown  float64
	lastError time.Time
	now       func() time.Time
}

// New creates a Limiter.
//
//   - initial: starting calls per second
//   - min, max: bounds for the adjusted rate
//   - stepUp: increment after a success
//   - stepDown: multiplier applied after an overload signal (0.5 halves)
func New(initial, min, max, stepUp rate.Limit, stepDown float64) *Limiter {
	if initial < 1 {
		initial = 1
	}
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &Limiter{
		limiter:  rate.NewLimiter(initial, burstFor(initial)),
		minLimit: min,
		maxLimit: max,
		stepUp:   stepUp,
		stepDown: stepDown,
		now:      time.Now,
	}
}

// Do waits for permission and runs fn once, adjusting the rate from its
// result. The wait honours ctx; a cancelled wait returns ctx's error without
// calling fn.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		l.Success()
	case Overloaded(err):
		l.Overload()
	}
	return err
}

// Success raises the rate unless an overload was seen recently.
func (l *Limiter) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().Sub(l.lastError) > recoveryWindow {
		l.adjust(l.limiter.Limit() + l.stepUp)
	}
}

// Overload lowers the rate after the backend pushed back.
func (l *Limiter) Overload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastError = l.now()
	l.adjust(rate.Limit(float64(l.limiter.Limit()) * l.stepDown))
}

// Current returns the current calls per second.
func (l *Limiter) Current() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return float64(l.limiter.Limit())
}

func (l *Limiter) adjust(next rate.Limit) {
	if next > l.maxLimit {
		next = l.maxLimit
	} else if next < l.minLimit {
		next = l.minLimit
	}
	if next != l.limiter.Limit() {
		l.limiter.SetLimit(next)
		l.limiter.SetBurst(burstFor(next))
	}
}

// Overloaded reports whether err carries a 429 or 5xx status.
func Overloaded(err error) bool {
	var se StatusError
	if !errors.As(err, &se) {
		return false
	}
	code := se.StatusCode()
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

func burstFor(l rate.Limit) int {
	return max(1, int(l))
}
