package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Sentinel errors shared across the call layer and the storage collaborator.
var (
	// ErrCircuitOpen is returned when a breaker rejects a call without issuing it.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRetriesExhausted wraps the last error once every retry attempt failed.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrMalformedResponse marks a 200 response whose body could not be used.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrConversationNotFound is returned when a conversation record is absent.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNoModels is returned when a stage has no model to call.
	ErrNoModels = errors.New("no council models configured")

	// ErrInvalidURL is returned for page URLs that are not absolute http(s).
	ErrInvalidURL = errors.New("only absolute http(s) URLs are supported")
)

// APIError is a non-200 reply from a model endpoint.
type APIError struct {
	StatusCode int
	Body       string
	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// CircuitOpenError reports which key was rejected by its breaker.
type CircuitOpenError struct {
	Key string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Key)
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// retryableStatusCodes are the HTTP statuses treated as transient.
var retryableStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryable reports whether err is transient: rate limiting, 5xx gateway
// failures, timeouts, aborted attempts and dropped connections. Everything
// else, including malformed bodies and other 4xx replies, is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retryableStatusCodes[apiErr.StatusCode]
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// Untyped transport errors still carry these messages.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "timeout")
}
