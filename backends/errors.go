package backends

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies why a backend call failed.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindUnavailable     ErrorKind = "unavailable"
	KindInvalidInput    ErrorKind = "invalid_input"
	KindRateLimited     ErrorKind = "rate_limited"
	KindContentRejected ErrorKind = "content_rejected"
	KindUnknown         ErrorKind = "unknown"
)

// Transient reports whether failures of this kind say something about the
// health of the backend rather than about the request.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindUnavailable, KindUnknown:
		return true
	default:
		return false
	}
}

// UserMessage is a short, non-technical explanation safe to show end users.
func (k ErrorKind) UserMessage() string {
	switch k {
	case KindTimeout:
		return "The analysis took too long. Please try again."
	case KindUnavailable:
		return "The analysis service is temporarily unavailable."
	case KindInvalidInput:
		return "The image could not be processed. Please send a valid image."
	case KindRateLimited:
		return "Too many requests. Please wait a moment and try again."
	case KindContentRejected:
		return "The image was refused by the content safety filter."
	default:
		return "Something went wrong while analysing the image."
	}
}

// Error is the typed failure returned by Invoke and by the orchestrator.
type Error struct {
	Kind    ErrorKind `json:"type"`
	Backend string    `json:"backend,omitempty"`
	Mode    Mode      `json:"mode,omitempty"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Sentinels for errors.Is comparisons; matching is by Kind only.
var (
	ErrTimeout         = &Error{Kind: KindTimeout, Message: "backend timed out"}
	ErrUnavailable     = &Error{Kind: KindUnavailable, Message: "backend unavailable"}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrRateLimited     = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrContentRejected = &Error{Kind: KindContentRejected, Message: "content rejected"}
	ErrUnknown         = &Error{Kind: KindUnknown, Message: "unknown backend error"}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Backend != "" {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, ErrTimeout)
// works regardless of backend or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// HTTPError builds an *Error from a non-2xx upstream response.
func HTTPError(status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Kind: KindFromStatus(status), Status: status, Message: message}
}

// KindFromStatus maps an upstream HTTP status code into the taxonomy.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnsupportedMediaType,
		status == http.StatusUnprocessableEntity:
		return KindInvalidInput
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound,
		status >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// Classify converts an arbitrary error into an *Error. An *Error anywhere in
// the chain is returned as is.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "deadline exceeded", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnknown, Message: "request canceled", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
		}
		return &Error{Kind: KindUnavailable, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
}
