package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrProviderUnavailable is returned once a retry budget is exhausted on
// transient failures.
var ErrProviderUnavailable = errors.New("provider unavailable")

// StatusError is a non-2xx answer from a provider HTTP API.
type StatusError struct {
	Provider   string
	StatusCode int
	Status     string
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Status, body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		// Daily token limits won't reset with retries.
		return !strings.Contains(e.Body, "tokens per day") && !strings.Contains(e.Body, "TPD")
	case e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// NewStatusError builds a StatusError from an HTTP response and its body.
func NewStatusError(provider string, resp *http.Response, body []byte) *StatusError {
	return &StatusError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so IsRetryable rejects it regardless of its content.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	// Caller cancelled.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// Providers that don't return a StatusError still tend to put the
	// status code in the message.
	errStr := err.Error()
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "Too Many Requests") {
		return !strings.Contains(errStr, "tokens per day") && !strings.Contains(errStr, "TPD")
	}
	for _, code := range []int{500, 502, 503, 504} {
		if strings.Contains(errStr, strconv.Itoa(code)) || strings.Contains(errStr, http.StatusText(code)) {
			return true
		}
	}
	for _, code := range []int{400, 401, 403, 404} {
		if strings.Contains(errStr, strconv.Itoa(code)) {
			return false
		}
	}

	// Unknown transport failures are retried.
	return true
}

// retryAfter extracts a server-requested delay, if any.
func retryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}
