// internal/settlement/errors.go
package settlement

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrSettlementRejected is a 4xx answer from the settlement network. Never retried.
	ErrSettlementRejected = errors.New("settlement request rejected")
	// ErrSettlementUnavailable is a 5xx or 429 answer.
	ErrSettlementUnavailable = errors.New("settlement network unavailable")
	ErrRetryExhausted        = errors.New("settlement retries exhausted")
	// ErrSettlementTrackingFailed means the payment is confirmed on-chain but
	// neither settlement path could record it. It never fails a purchase.
	ErrSettlementTrackingFailed = errors.New("payment completed but settlement tracking failed")
	ErrUnknownAttempt           = errors.New("unknown settlement attempt")
)

// APIError is a non-2xx response from the settlement network.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("settlement API error (%d): %s", e.StatusCode, msg)
}

// Retryable reports whether resending the same request may succeed.
// A 429 was refused before processing; every other 4xx, including 408, is final.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

func (e *APIError) Unwrap() error {
	if e.Retryable() {
		return ErrSettlementUnavailable
	}
	return ErrSettlementRejected
}
