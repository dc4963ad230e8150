package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"token sentinel", ErrTokenInvalid, ClassTokenInvalid},
		{"wrapped token", fmt.Errorf("fetch insights: %w", ErrTokenInvalid), ClassTokenInvalid},
		{"rate limited", fmt.Errorf("apply action: %w", ErrRateLimited), ClassRateLimited},
		{"network sentinel", fmt.Errorf("fetch insights: %w", ErrNetwork), ClassNetworkError},
		{"data error", fmt.Errorf("decode insights: %w", ErrDataError), ClassDataError},
		{"net.Error", &net.DNSError{Err: "no such host", IsTimeout: true}, ClassNetworkError},
		{"deadline", context.DeadlineExceeded, ClassNetworkError},
		{"anything else", errors.New("boom"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !ClassRateLimited.Retryable() || !ClassNetworkError.Retryable() {
		t.Fatal("rate limits and network failures are transient")
	}
	if ClassTokenInvalid.Retryable() || ClassDataError.Retryable() || ClassUnknown.Retryable() {
		t.Fatal("non-transient classes must not be retried")
	}
}
