// Package errors provides standardized error handling for the ingestion
// pipeline. It classifies failures into the categories callers act on
// (authentication, transport, remote API, storage, invalid input) and
// supplies helper functions for consistent wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind represents the classification of pipeline errors for handling purposes
type Kind int

const (
	// KindTransport represents network/TLS/timeout failures; the caller may
	// retry with backoff
	KindTransport Kind = iota
	// KindAuth represents rejected credentials or a failed token refresh;
	// fatal for the current operation, never retried locally
	KindAuth
	// KindRemoteAPI represents a non-401 non-2xx response from the remote
	// service, carrying status and body for diagnosis
	KindRemoteAPI
	// KindStorage represents database failures (connectivity, constraint
	// violations); the batch is rolled back and the error surfaced
	KindStorage
	// KindInvalid represents errors due to invalid input or configuration
	KindInvalid
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindRemoteAPI:
		return "remote_api"
	case KindStorage:
		return "storage"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Authentication errors
	ErrCredentialsRejected = errors.New("credentials rejected")
	ErrTokenMissing        = errors.New("token missing from auth response")
	ErrRefreshFailed       = errors.New("token refresh failed")

	// Transport errors
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTLSHandshake      = errors.New("tls handshake failed")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrConstraintViolated = errors.New("constraint violated")
	ErrTableNotFound      = errors.New("table not found")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Data errors
	ErrInvalidPayload = errors.New("payload not parseable as structured data")
	ErrEmptyWindow    = errors.New("lookback window is empty")
)

// ClassifiedError wraps an error with its classification and origin
type ClassifiedError struct {
	Kind      Kind
	Err       error
	Component string
	Operation string

	// Status and Body carry remote diagnostics for KindRemoteAPI and KindAuth
	Status int
	Body   string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// newClassified creates a new classified error
// This is an internal helper - use the Wrap* constructors instead.
func newClassified(kind Kind, err error, component, method, action string) *ClassifiedError {
	return &ClassifiedError{
		Kind:      kind,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapAuth wraps an error as an authentication failure with context
func WrapAuth(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(KindAuth, err, component, method, action)
}

// WrapTransport wraps an error as a transport failure with context
func WrapTransport(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(KindTransport, err, component, method, action)
}

// WrapStorage wraps an error as a storage failure with context
func WrapStorage(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(KindStorage, err, component, method, action)
}

// WrapInvalid wraps an error as invalid input with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(KindInvalid, err, component, method, action)
}

// RemoteAPI creates a remote API error carrying the response status and body
func RemoteAPI(component, method string, status int, body string) error {
	ce := newClassified(KindRemoteAPI,
		fmt.Errorf("remote service returned %d", status),
		component, method, "request")
	ce.Status = status
	ce.Body = body
	return ce
}

// AuthStatus creates an auth error carrying the rejected response status and body
func AuthStatus(component, method string, status int, body string) error {
	ce := newClassified(KindAuth, ErrCredentialsRejected, component, method, "authenticate")
	ce.Status = status
	ce.Body = body
	return ce
}

// IsAuth checks whether an error is an authentication failure
func IsAuth(err error) bool {
	return classOf(err) == KindAuth
}

// IsTransport checks whether an error is a transport-level failure.
// Unclassified network errors (timeouts, refused connections, context
// deadlines) are treated as transport so callers get consistent retry
// semantics for errors originating outside this module.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind == KindTransport
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTLSHandshake) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection refused", "no such host", "tls"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsRemoteAPI checks whether an error is a non-401 non-2xx remote response
func IsRemoteAPI(err error) bool {
	return classOf(err) == KindRemoteAPI
}

// IsStorage checks whether an error is a storage-layer failure
func IsStorage(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind == KindStorage
	}
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrConstraintViolated) ||
		errors.Is(err, ErrTableNotFound)
}

// IsInvalid checks whether an error is due to invalid input or configuration
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind == KindInvalid
	}
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrInvalidPayload)
}

// RemoteStatus extracts the remote status code and body from an error chain.
// Returns false when the error carries no remote diagnostics.
func RemoteStatus(err error) (status int, body string, ok bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Status != 0 {
		return ce.Status, ce.Body, true
	}
	return 0, "", false
}

func classOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Kind(-1)
}
