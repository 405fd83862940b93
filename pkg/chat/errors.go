package chat

import (
	"fmt"
	"time"
)

// Error codes the platform returns with ok=false that clear up on their own.
var transientAPICodes = map[string]struct{}{
	"ratelimited":         {},
	"rate_limited":        {},
	"service_unavailable": {},
	"internal_error":      {},
	"fatal_error":         {},
	"request_timeout":     {},
}

func isTransientAPICode(code string) bool {
	_, ok := transientAPICodes[code]
	return ok
}

// TransientError is a dispatch failure that is expected to succeed on a later
// attempt: throttling, 5xx responses and platform-side outages.
type TransientError struct {
	Method     string
	StatusCode int
	Code       string
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: transient failure %s (status %d)", e.Method, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s: transient failure (status %d)", e.Method, e.StatusCode)
}

// APIError is a rejection that will not change on retry, such as
// channel_not_found or invalid_auth.
type APIError struct {
	Method     string
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Method, e.Code, e.StatusCode)
}
