package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidResponse is returned once every attempt produced a reply that
// could not be parsed or failed validation.
var ErrInvalidResponse = errors.New("invalid model response")

// InvalidResponseError carries the details of an exhausted query.
type InvalidResponseError struct {
	Attempts int
	Last     string
	Err      error
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid model response after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }

func (e *InvalidResponseError) Is(target error) bool { return target == ErrInvalidResponse }

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindInvalidOutput ErrorKind = "invalid_output"
	KindRateLimit     ErrorKind = "rate_limit"
	KindOverloaded    ErrorKind = "overloaded"
	KindTimeout       ErrorKind = "timeout"
	KindRetryable     ErrorKind = "retryable"
	KindAuth          ErrorKind = "auth"
	KindBilling       ErrorKind = "billing"
	KindContext       ErrorKind = "context_overflow"
	KindBadRequest    ErrorKind = "bad_request"
	KindFatal         ErrorKind = "fatal"
)

// Transient reports whether a failure of this kind is worth retrying.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindInvalidOutput, KindRateLimit, KindOverloaded, KindTimeout, KindRetryable:
		return true
	default:
		return false
	}
}

// TransientError is a failure the query loop retries at a higher
// temperature: unparseable output, validation failures, and transport
// errors that are likely to clear up.
type TransientError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProviderError is a non-retryable provider failure.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status and error body to an ErrorKind.
func classifyStatus(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return KindContext
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") {
		return KindBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return KindRateLimit
	}

	if statusCode == 529 || strings.Contains(bodyLower, "overloaded") {
		return KindOverloaded
	}

	if strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "timed out") {
		return KindTimeout
	}

	switch statusCode {
	case 400, 422:
		return KindBadRequest
	case 401, 403:
		return KindAuth
	default:
		if statusCode >= 500 {
			return KindRetryable
		}
		return KindFatal
	}
}

// classify wraps a provider error as transient or fatal. statusCode is 0
// when the request never got an HTTP response.
func classify(provider string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var kind ErrorKind
	if statusCode == 0 {
		var netErr net.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = KindTimeout
		case errors.As(err, &netErr):
			kind = KindRetryable
		default:
			kind = classifyStatus(0, err.Error())
			if kind == KindFatal {
				kind = KindRetryable
			}
		}
	} else {
		kind = classifyStatus(statusCode, err.Error())
	}

	if kind.Transient() {
		return &TransientError{Kind: kind, Err: fmt.Errorf("%s: %w", provider, err)}
	}
	return &ProviderError{Provider: provider, Kind: kind, StatusCode: statusCode, Err: err}
}
