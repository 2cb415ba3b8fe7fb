// Package reliability classifies upstream failures and retries the ones
// worth retrying.
package reliability

import (
	"context"
	"net/http"
	"time"
)

// IsRetryableHTTPStatus reports whether an upstream HTTP status is transient.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies error frames sent by the realtime
// recognizer.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "session_time_limit_exceeded", "error":
		return true
	default:
		return false
	}
}

// Policy bounds a retry loop. Waits double from Base up to Max.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Backoff returns the wait before retry number attempt (zero based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Retry calls fn until it succeeds, reports a permanent failure, the policy
// runs out of attempts or ctx is done. fn returns whether its error is
// transient.
func Retry(ctx context.Context, p Policy, fn func(attempt int) (retryable bool, err error)) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; ; attempt++ {
		retryable, err := fn(attempt)
		if err == nil || !retryable || attempt+1 >= attempts {
			return err
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
