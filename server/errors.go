package server

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrConfiguration is the root of all startup configuration failures.
var ErrConfiguration = errors.New("configuration error")

// ConfigError reports a missing or malformed configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// ErrorKind names the terminal failure states of the callback.
type ErrorKind string

const (
	KindProviderDenied     ErrorKind = "provider_denied"
	KindMissingCode        ErrorKind = "missing_code"
	KindStateMismatch      ErrorKind = "state_mismatch"
	KindStateStoreFailed   ErrorKind = "state_store_failed"
	KindExchangeFailed     ErrorKind = "exchange_failed"
	KindVerificationFailed ErrorKind = "verification_failed"
)

// Status maps the kind onto the HTTP status returned to the browser.
func (k ErrorKind) Status() int {
	switch k {
	case KindProviderDenied, KindMissingCode, KindStateMismatch:
		return http.StatusBadRequest
	case KindStateStoreFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CallbackError terminates the callback with a user visible message.
type CallbackError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CallbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error.
func (e *CallbackError) Status() int { return e.Kind.Status() }

// ExchangeError is returned when the token endpoint call fails.
// Body carries the provider's raw response when one was received.
type ExchangeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ExchangeError) Error() string {
	if e.Body != "" {
		return e.Body
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// VerificationError is returned for any identity token that cannot be trusted.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *VerificationError) Unwrap() error { return e.Err }
