// Package core provides the types shared by the relay, the upload mirror and the server.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies a relay failure.
type ErrorType string

const (
	// ErrorTypeMalformedRequest means the inbound body could not be read as
	// multipart form data or the file field was missing.
	ErrorTypeMalformedRequest ErrorType = "malformed_request"
	// ErrorTypeUpstreamRejected means the upstream answered with a non-2xx status.
	ErrorTypeUpstreamRejected ErrorType = "upstream_rejected"
	// ErrorTypeUpstreamUnreachable means no usable response came back from the upstream.
	ErrorTypeUpstreamUnreachable ErrorType = "upstream_unreachable"
)

// ProxyErrorPrefix starts every body returned for an unreachable upstream.
const ProxyErrorPrefix = "Proxy error: "

// Generic causes reported to callers when the upstream cannot be reached.
// The detailed cause is only logged.
const (
	CauseUnreachable = "upstream unreachable"
	CauseTimeout     = "upstream timed out"
	CauseCircuitOpen = "upstream temporarily unavailable"
)

// RelayError is the error returned by every relay step.
type RelayError struct {
	Type ErrorType
	// Message is the text returned to the caller for malformed requests and the
	// generic cause for unreachable upstreams.
	Message string
	// StatusCode is the upstream status for rejected requests.
	StatusCode int
	// Body is the upstream body, relayed verbatim for rejected requests.
	Body []byte
	// ContentType is the upstream content type for rejected requests, if any.
	ContentType string
	// Err is the underlying cause. Never sent to clients.
	Err error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	switch e.Type {
	case ErrorTypeUpstreamRejected:
		return fmt.Sprintf("%s: status %d", e.Type, e.StatusCode)
	case ErrorTypeUpstreamUnreachable:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
		}
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status the caller receives for this error.
func (e *RelayError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeMalformedRequest:
		return http.StatusBadRequest
	case ErrorTypeUpstreamRejected:
		if e.StatusCode >= 100 && e.StatusCode <= 999 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ResponseBody returns the bytes the caller receives for this error.
func (e *RelayError) ResponseBody() []byte {
	switch e.Type {
	case ErrorTypeUpstreamRejected:
		return e.Body
	case ErrorTypeUpstreamUnreachable:
		return []byte(ProxyErrorPrefix + e.Message)
	default:
		return []byte(e.Message)
	}
}

// NewMalformedRequestError creates a malformed request error (400).
func NewMalformedRequestError(message string, err error) *RelayError {
	return &RelayError{
		Type:    ErrorTypeMalformedRequest,
		Message: message,
		Err:     err,
	}
}

// NewUpstreamRejectedError creates an error carrying the upstream's own status and body.
func NewUpstreamRejectedError(statusCode int, body []byte, contentType string) *RelayError {
	return &RelayError{
		Type:        ErrorTypeUpstreamRejected,
		Message:     http.StatusText(statusCode),
		StatusCode:  statusCode,
		Body:        body,
		ContentType: contentType,
	}
}

// NewUpstreamUnreachableError creates a transport failure error. The cause is
// classified into a generic message.
func NewUpstreamUnreachableError(err error) *RelayError {
	message := CauseUnreachable
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		message = CauseTimeout
	}
	return &RelayError{
		Type:    ErrorTypeUpstreamUnreachable,
		Message: message,
		Err:     err,
	}
}

// NewCircuitOpenError creates the fail-fast error used while the upstream breaker is open.
func NewCircuitOpenError() *RelayError {
	return &RelayError{
		Type:    ErrorTypeUpstreamUnreachable,
		Message: CauseCircuitOpen,
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
