package eamsync

import (
	"errors"
	"fmt"
	"net"
)

const apiErrorBodyLimit = 2048

// ApiError is a non-2xx response from Titan EAM. 4xx responses are validation
// rejections and permanent; 5xx are treated as transient.
type ApiError struct {
	StatusCode int
	Body       string
}

// NewApiError truncates oversized bodies so queue error columns stay sane.
func NewApiError(status int, body []byte) *ApiError {
	b := string(body)
	if len(b) > apiErrorBodyLimit {
		b = b[:apiErrorBodyLimit]
	}
	return &ApiError{StatusCode: status, Body: b}
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("eam api error %d: %s", e.StatusCode, e.Body)
}

// IsValidation reports whether the external system rejected the request
// itself, which no amount of retrying will fix.
func (e *ApiError) IsValidation() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// TimeoutError is a per-call timeout against the external system.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("eam %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTransient classifies an error as retryable: timeouts, network failures and
// 5xx responses. Validation rejections are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsValidation classifies an error as a permanent external-system rejection.
func IsValidation(err error) bool {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.IsValidation()
	}
	return false
}
