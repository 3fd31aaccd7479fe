package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Policy bounds how often and how patiently a step is retried.
type Policy struct {
	Attempts int           // total attempts including the first; <= 1 disables retry
	BaseWait time.Duration // wait before the second attempt, doubled afterwards
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseWait: time.Second}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) error

// APIError is implemented by errors that carry an HTTP status code.
type APIError interface {
	error
	StatusCode() int
}

// Do runs f until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. Waits use exponential backoff with 10% jitter.
func (p Policy) Do(ctx context.Context, f RetryableFunc) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(p.BaseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := f(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
	}
	return lastErr
}

// IsTransient reports whether err is worth retrying: throttling or gateway
// status codes and network-level failures. Context cancellation never is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return ShouldRetry(apiErr.StatusCode())
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ShouldRetry determines if the given status code should trigger a retry
func ShouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || // 429
		statusCode == http.StatusServiceUnavailable || // 503
		statusCode == http.StatusGatewayTimeout // 504
}
