package orclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
)

var (
	ErrNoAPIKey = errors.New("API key is required")
	// ErrEmptyResponse is returned when a completion has no choices
	ErrEmptyResponse = errors.New("empty response from API")
)

// APIError is a non-2xx answer from the chat completions endpoint
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	Code       string
	Param      string
	Err        error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRetryable reports server-side and throttling failures
func (e *APIError) IsRetryable() bool {
	switch {
	case e.StatusCode >= 500 && e.StatusCode <= 599, e.IsRateLimit():
		return true
	case e.Code == "timeout", e.Code == "connection_error", e.Code == "server_error":
		return true
	}
	return false
}

func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == "rate_limit_exceeded"
}

func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.Code == "invalid_api_key"
}

// wrapError turns an openai-go error into an *APIError
func wrapError(err error) error {
	var oe *openai.Error
	if !errors.As(err, &oe) {
		return err
	}
	apiErr := &APIError{
		StatusCode: oe.StatusCode,
		Type:       oe.Type,
		Message:    oe.Message,
		Code:       oe.Code,
		Param:      oe.Param,
		Err:        err,
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(oe.StatusCode)
	}
	return apiErr
}

// IsRetryable reports whether err wraps a retryable *APIError
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsRetryable()
}

// IsRateLimit reports whether err wraps a throttling *APIError
func IsRateLimit(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsRateLimit()
}
