package modelgw

import (
	"errors"
	"fmt"
	"strings"
)

// Provider error classes. Rate limited and request rejected are retryable
// with another model; unauthorized is fatal.
var (
	ErrProviderRateLimited     = errors.New("provider rate limited")
	ErrProviderRequestRejected = errors.New("provider rejected the request")
	ErrProviderUnauthorized    = errors.New("provider unauthorized")
	ErrProviderUnavailable     = errors.New("provider unavailable")
	ErrUnknownProvider         = errors.New("unknown provider")
	ErrEmptyResponse           = errors.New("provider returned no choices")
)

// ProviderError describes a failed completion. It matches its class
// sentinel with errors.Is and unwraps to the underlying cause.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Class      error
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s): %v", e.Provider, e.Model, e.Class)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " [HTTP %d]", e.StatusCode)
	}
	if e.Message != "" {
		msg := e.Message
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		b.WriteString(": " + msg)
	}
	return b.String()
}

// Unwrap exposes both the class sentinel and the cause.
func (e *ProviderError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Cause}
}

// Classify maps an HTTP status and error body to an error class.
func Classify(statusCode int, body string) error {
	lower := strings.ToLower(body)

	switch statusCode {
	case 429:
		return ErrProviderRateLimited
	case 401, 402, 403:
		return ErrProviderUnauthorized
	case 400, 404, 413, 422:
		return ErrProviderRequestRejected
	}

	if strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") {
		return ErrProviderRateLimited
	}
	if strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "permission") {
		return ErrProviderUnauthorized
	}
	return ErrProviderUnavailable
}

// IsRetryable reports whether another model may succeed where this one failed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderRateLimited) || errors.Is(err, ErrProviderRequestRejected)
}
