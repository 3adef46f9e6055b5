// Package apperr defines the application error taxonomy shared by the
// ingestion sources, the processing pipeline, and the HTTP surface.
// Errors carry a kind used for propagation decisions (retry, surface,
// fail the call) and for HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for handling decisions.
type Kind string

const (
	// KindConfig indicates missing or invalid settings.
	KindConfig Kind = "config"
	// KindAuth indicates an invalid webhook signature or rejected API credentials.
	KindAuth Kind = "auth"
	// KindTransport indicates a network failure or timeout. Usually retryable.
	KindTransport Kind = "transport"
	// KindRemoteFS indicates a path or permission problem on the remote host.
	KindRemoteFS Kind = "remote_fs"
	// KindData indicates a parse failure or constraint violation.
	KindData Kind = "data"
	// KindState indicates an illegal state transition.
	KindState Kind = "state"
	// KindExternalAPI indicates a non-2xx response from the LLM or
	// transcription provider.
	KindExternalAPI Kind = "external_api"
	// KindInternal indicates a bug.
	KindInternal Kind = "internal"
)

// Error is the application error type.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Op is the operation being performed (e.g. "remotefs.Download").
	Op string
	// Message is a short human-readable description.
	Message string
	// Retryable marks transport errors that may succeed on retry.
	Retryable bool
	// Status holds the upstream HTTP status for external API errors.
	Status int
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus maps the error kind to a response status family.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindConfig, KindData:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindState:
		return http.StatusConflict
	case KindTransport, KindRemoteFS, KindExternalAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Config creates a missing/invalid-settings error.
func Config(op, message string) *Error {
	return &Error{Kind: KindConfig, Op: op, Message: message}
}

// Auth creates an authentication/authorization error.
func Auth(op, message string) *Error {
	return &Error{Kind: KindAuth, Op: op, Message: message}
}

// Transport creates a network error. retryable marks timeouts and
// connection failures that a later attempt may clear.
func Transport(op string, retryable bool, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Message: "transport failure", Retryable: retryable, Err: err}
}

// RemoteFS creates a remote path/permission error.
func RemoteFS(op, message string, err error) *Error {
	return &Error{Kind: KindRemoteFS, Op: op, Message: message, Err: err}
}

// Data creates a parse/constraint error.
func Data(op, message string, err error) *Error {
	return &Error{Kind: KindData, Op: op, Message: message, Err: err}
}

// State creates an illegal-transition error.
func State(op, message string) *Error {
	return &Error{Kind: KindState, Op: op, Message: message}
}

// ExternalAPI creates a provider error carrying the upstream status.
// Rate limits and provider 5xx responses are retryable.
func ExternalAPI(op string, status int, err error) *Error {
	return &Error{
		Kind:      KindExternalAPI,
		Op:        op,
		Message:   fmt.Sprintf("provider returned status %d", status),
		Retryable: status == http.StatusTooManyRequests || status >= 500,
		Status:    status,
		Err:       err,
	}
}

// Internal creates a bug-class error.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// KindOf extracts the kind from an error chain. Non-application errors
// report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the error chain contains a retryable
// transport error.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus extracts the response status from an error chain,
// defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Short renders an error as a bounded single-line string suitable for
// persisting in a lastError column.
func Short(err error, max int) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			s = s[:i]
			break
		}
	}
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return s
}
