package connector

import (
	"context"
	"errors"
	"net"
)

// ErrorClass buckets collaborator failures for the batch orchestrator.
type ErrorClass string

const (
	ClassTokenInvalid ErrorClass = "token_invalid"
	ClassRateLimited  ErrorClass = "rate_limited"
	ClassNetworkError ErrorClass = "network_error"
	ClassDataError    ErrorClass = "data_error"
	ClassUnknown      ErrorClass = "unknown"
)

// Sentinel errors collaborators wrap so the orchestrator can classify failures.
var (
	ErrTokenInvalid = errors.New("credential invalid or expired")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrNetwork      = errors.New("upstream unreachable")
	ErrDataError    = errors.New("upstream returned malformed data")
)

// Classify maps a collaborator error onto the retry taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTokenInvalid):
		return ClassTokenInvalid
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrNetwork):
		return ClassNetworkError
	case errors.Is(err, ErrDataError):
		return ClassDataError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetworkError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetworkError
	}
	return ClassUnknown
}

// Retryable reports whether a failure class is worth retrying with backoff.
func (c ErrorClass) Retryable() bool {
	return c == ClassRateLimited || c == ClassNetworkError
}
