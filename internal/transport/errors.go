package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a send failure for retry decisions.
type Kind string

const (
	// KindPermanent means the endpoint rejected the batch; retrying
	// identical bytes will not help.
	KindPermanent Kind = "permanent"
	// KindTransient means the request never completed (network failure or
	// timeout); the same batch may succeed later.
	KindTransient Kind = "transient"
)

// SendError is the structured error returned from Send. It carries the
// failure kind, the HTTP status code when the server answered, and the
// response body to aid diagnosis.
type SendError struct {
	// Kind is the classified failure kind.
	Kind Kind
	// StatusCode is the HTTP status code (0 for network errors).
	StatusCode int
	// Body is the (truncated) response body from the endpoint.
	Body string
	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("push rejected (%s): status=%d body=%q", e.Kind, e.StatusCode, e.Body)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SendError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the failure may resolve on retry.
func (e *SendError) IsTransient() bool {
	return e.Kind == KindTransient
}

// Classify wraps an error from the HTTP round trip as a SendError. All
// round-trip failures (DNS, connection refused, resets, timeouts including
// the per-request deadline) are transient: the server never durably
// rejected the bytes.
func Classify(err error) *SendError {
	if se, ok := err.(*SendError); ok {
		return se
	}
	return &SendError{Kind: KindTransient, Err: err}
}

// errorLabel returns a low-cardinality error label for metrics.
func errorLabel(e *SendError) string {
	if e.StatusCode != 0 {
		switch {
		case e.StatusCode == 401 || e.StatusCode == 403:
			return "auth"
		case e.StatusCode == 429:
			return "rate_limit"
		case e.StatusCode >= 500:
			return "server_error"
		default:
			return "client_error"
		}
	}
	if IsTimeout(e.Err) {
		return "timeout"
	}
	return "network"
}

// IsTimeout reports whether the error is a timeout, used to label metrics.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
