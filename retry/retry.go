// Package retry implements the backoff executor (C8): run an operation up
// to a fixed number of times, classifying each failure as recoverable or
// fatal. Grounded in the teacher's registry/storage/driver/gcs retry()
// helper — a classify-then-sleep loop around a single request func — scaled
// up to emit an event per backoff instead of sleeping silently.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"regexp"
	"strconv"
	"time"
)

// Config parameterizes the executor. Zero value is invalid; use Default.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Default matches spec's {3, 1s, 2.0, 30s}.
var Default = Config{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	Multiplier:   2.0,
	MaxDelay:     30 * time.Second,
}

// BackingOff is emitted before each sleep between attempts.
type BackingOff struct {
	RetryNumber int
	Delay       time.Duration
	NextRetryAt time.Time
	Err         error
}

// Operation is a single attempt. It must itself respect ctx cancellation.
type Operation func(ctx context.Context) error

var httpStatusPattern = regexp.MustCompile(`HTTP (\d{3})`)

// Classify reports whether err should be retried: any net.Error that isn't
// itself a cancellation, or an error whose message carries "HTTP <code>"
// with code == 429 or in [500, 599]. Context cancellation/deadline errors
// are always fatal (propagate immediately, per §4.8).
func Classify(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if m := httpStatusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, convErr := strconv.Atoi(m[1])
		if convErr == nil && (code == 429 || (code >= 500 && code <= 599)) {
			return true
		}
	}

	return false
}

// Do runs op up to cfg.MaxAttempts+1 total times. onBackingOff, if non-nil,
// is called synchronously before each interruptible sleep between attempts.
func Do(ctx context.Context, cfg Config, op Operation, onBackingOff func(BackingOff)) error {
	var lastErr error

	for n := 0; n <= cfg.MaxAttempts; n++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !Classify(lastErr) {
			return lastErr
		}
		if n == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, n)
		if onBackingOff != nil {
			onBackingOff(BackingOff{
				RetryNumber: n + 1,
				Delay:       delay,
				NextRetryAt: time.Now().Add(delay),
				Err:         lastErr,
			})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// Delay exposes the backoff formula for callers that drive their own retry
// loop (e.g. a retryablehttp.Client's Backoff hook) but still want the exact
// delay computation this package uses.
func Delay(cfg Config, n int) time.Duration {
	return backoffDelay(cfg, n)
}

// backoffDelay computes min(initialDelay * multiplier^n, maxDelay).
func backoffDelay(cfg Config, n int) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(n))
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}
