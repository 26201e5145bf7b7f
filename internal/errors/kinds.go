package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failed upstream call or request.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindThrottled        Kind = "throttled"
	KindAuthError        Kind = "auth_error"
	KindNotFound         Kind = "not_found"
	KindMalformedRequest Kind = "malformed_request"
	KindTransientNetwork Kind = "transient_network_error"
	KindInternal         Kind = "internal_error"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindThrottled, KindTransientNetwork:
		return true
	default:
		return false
	}
}

// UpstreamError describes a failed call to the OpenText API.
type UpstreamError struct {
	Kind       Kind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("opentext api: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("opentext api: %s: %s", e.Kind, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewUpstream builds an UpstreamError of the given kind.
func NewUpstream(kind Kind, message string) *UpstreamError {
	return &UpstreamError{Kind: kind, Message: message}
}

// Malformed builds a terminal malformed-request error for boundary validation.
func Malformed(format string, args ...any) *UpstreamError {
	return &UpstreamError{Kind: KindMalformedRequest, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to KindInternal.
// Context cancellation and deadline expiry map to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var upstream *UpstreamError
	if stderrors.As(err, &upstream) && upstream != nil {
		return upstream.Kind
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return KindTimeout
	}

	return KindInternal
}

// Retryable reports whether the error is worth retrying.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// AsUpstream extracts an UpstreamError from the chain.
func AsUpstream(err error, target **UpstreamError) bool {
	return stderrors.As(err, target)
}

// ClassifyStatus maps an upstream HTTP status code onto the error taxonomy.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindThrottled
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthError
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable:
		return KindTransientNetwork
	case code >= 400 && code < 500:
		return KindMalformedRequest
	case code >= 500:
		return KindInternal
	default:
		return KindInternal
	}
}
