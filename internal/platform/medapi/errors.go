package medapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sony/gobreaker"
)

// CodeNetwork marks a transport-level failure: no HTTP response was received.
const CodeNetwork = "ERR_NETWORK"

// APIError is a non-2xx response from the medical API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("medapi: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// NetworkError is a request that failed before a response arrived.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("medapi: %s %s: %s: %v", e.Method, e.Path, CodeNetwork, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Code returns CodeNetwork.
func (e *NetworkError) Code() string { return CodeNetwork }

// IsNetworkError reports whether err is a transient transport failure worth
// retrying. Open-circuit rejections are not.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) && strings.Contains(coded.Code(), CodeNetwork) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsNotFound reports whether err is a 404 from the medical API.
func IsNotFound(err error) bool {
	return StatusCode(err) == 404
}

// StatusCode extracts the HTTP status of an APIError, or 0.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}
