package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

// User-facing error sentences. Operation failures surface in the transcript
// as system messages, so these read as chat, not as log lines.
const (
	msgInsufficientCredits = "You don't have enough credits to continue. Add credits and try again."
	msgNotAuthorized       = "You're not authorized to perform this action."
	msgServiceUnavailable  = "The service is currently unavailable. Please try again later."
	msgGenericError        = "The agent encountered an error. Please try again."
	msgLostConnection      = "Lost connection to the server. Please check your network and retry."
	msgConnectionFailed    = "Connection failed. Please retry."
)

// IsCancelled reports whether err stems from a cancelled operation. Such
// errors reflect superseded intent and are swallowed by callers instead of
// being surfaced.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// FormatUserError maps an operation failure to the sentence shown in the
// transcript.
func FormatUserError(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusPaymentRequired:
			return msgInsufficientCredits
		case http.StatusUnauthorized, http.StatusForbidden:
			return msgNotAuthorized
		case http.StatusNotFound:
			return msgServiceUnavailable
		default:
			return msgGenericError
		}
	}
	if isTransportError(err) {
		return msgLostConnection
	}
	return msgConnectionFailed
}

func isTransportError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// http.Client wraps dial failures in *url.Error with free-form text.
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host")
}
