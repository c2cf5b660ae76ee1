package retry

import (
	"github.com/runestone-gateway/runestone/types"
)

// RetryableErrorClass names one of the four upstream failure classes the
// gateway's retry policy is allowed to act on. Driver-level errors outside
// this set (bad request, auth, content filter, ...) are never retried
// regardless of policy configuration.
type RetryableErrorClass string

const (
	ClassTimeout         RetryableErrorClass = "timeout"
	ClassConnectionError RetryableErrorClass = "connection_error"
	ClassRateLimit       RetryableErrorClass = "rate_limit"
	ClassServerError     RetryableErrorClass = "server_error"
)

// ClassifyError maps a gateway error to a retryable class, or "" when the
// error does not belong to any retryable class.
func ClassifyError(err error) RetryableErrorClass {
	e, ok := err.(*types.Error)
	if !ok || e == nil {
		return ""
	}

	switch e.Code {
	case types.ErrTimeout, types.ErrUpstreamTimeout:
		return ClassTimeout
	case types.ErrRateLimit, types.ErrRateLimited:
		return ClassRateLimit
	case types.ErrUpstreamError, types.ErrServiceUnavailable, types.ErrProviderUnavailable, types.ErrInternalError:
		return ClassServerError
	case types.ErrModelOverloaded:
		return ClassServerError
	}

	if !e.Retryable {
		return ""
	}
	return ClassConnectionError
}

// IsRetryableClass reports whether class appears in the configured set.
func IsRetryableClass(class RetryableErrorClass, allowed []RetryableErrorClass) bool {
	if class == "" {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, c := range allowed {
		if c == class {
			return true
		}
	}
	return false
}
