package gateway

import (
	"errors"
	"fmt"
)

// ConfigurationError means the client cannot be constructed: the credential
// is missing or malformed. Fatal at startup, never a per-request condition.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "gateway configuration: " + e.Reason
}

// APIError is the common shape of a failed processor call. Network reports
// whether the failure happened in transport (timeout, DNS, reset, breaker
// open) rather than as an upstream rejection; only network failures are
// candidates for caller-side retry.
type APIError struct {
	Op         string // operation, e.g. "create payment intent"
	StatusCode int    // HTTP status, 0 for transport failures
	Code       string // processor error code, if any
	Message    string // upstream message or transport description
	Network    bool
	Err        error
}

func (e *APIError) Error() string {
	if e.Network {
		return fmt.Sprintf("%s: network error: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether a retry with the same idempotency key is safe
// and potentially useful.
func (e *APIError) Retryable() bool { return e.Network }

// PaymentIntentError wraps failures of payment-intent operations.
type PaymentIntentError struct{ APIError }

// RefundError wraps failures of refund creation.
type RefundError struct{ APIError }

// ConnectionTokenError wraps failures of connection-token creation.
type ConnectionTokenError struct{ APIError }

// TerminalError wraps failures of terminal location operations.
type TerminalError struct{ APIError }

// IsNetworkError reports whether err is a transport-level gateway failure.
func IsNetworkError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Network
	}
	var piErr *PaymentIntentError
	if errors.As(err, &piErr) {
		return piErr.Network
	}
	var rErr *RefundError
	if errors.As(err, &rErr) {
		return rErr.Network
	}
	var ctErr *ConnectionTokenError
	if errors.As(err, &ctErr) {
		return ctErr.Network
	}
	var tErr *TerminalError
	if errors.As(err, &tErr) {
		return tErr.Network
	}
	return false
}
