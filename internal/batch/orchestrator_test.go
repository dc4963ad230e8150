package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/adpilot-hq/adpilot/config"
	"github.com/adpilot-hq/adpilot/internal/connector"
	"github.com/adpilot-hq/adpilot/internal/store"
)

func retryOrchestrator(t *testing.T, maxAttempts int) (*Orchestrator, func()) {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	o := NewOrchestrator(nil, &store.Store{DB: db}, nil, nil, nil, nil, nil, nil, nil, nil,
		config.PipelineConfig{MaxAttempts: maxAttempts, RetryBackoff: time.Millisecond})
	return o, func() { db.Close() }
}

func TestRunWithRetriesTransientRecovers(t *testing.T) {
	o, cleanup := retryOrchestrator(t, 3)
	defer cleanup()

	calls := 0
	fn := func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("fetch insights: %w", connector.ErrRateLimited)
		}
		return nil
	}

	attempts, err := o.runWithRetries(context.Background(), "job-1", "acct-1", store.StepSync, fn)
	if err != nil {
		t.Fatalf("runWithRetries: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts=%d calls=%d, want 3", attempts, calls)
	}
}

func TestRunWithRetriesNonRetryableFailsFast(t *testing.T) {
	o, cleanup := retryOrchestrator(t, 3)
	defer cleanup()

	calls := 0
	fn := func(ctx context.Context) error {
		calls++
		return fmt.Errorf("fetch insights: %w", connector.ErrTokenInvalid)
	}

	attempts, err := o.runWithRetries(context.Background(), "job-1", "acct-1", store.StepSync, fn)
	if !errors.Is(err, connector.ErrTokenInvalid) {
		t.Fatalf("want token error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("invalid credentials must not be retried: attempts=%d calls=%d", attempts, calls)
	}
}

func TestRunWithRetriesExhaustsBudget(t *testing.T) {
	o, cleanup := retryOrchestrator(t, 3)
	defer cleanup()

	calls := 0
	fn := func(ctx context.Context) error {
		calls++
		return fmt.Errorf("fetch insights: %w", connector.ErrNetwork)
	}

	attempts, err := o.runWithRetries(context.Background(), "job-1", "acct-1", store.StepSync, fn)
	if !errors.Is(err, connector.ErrNetwork) {
		t.Fatalf("want network error after exhaustion, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts=%d calls=%d, want 3", attempts, calls)
	}
}

func TestRunWithRetriesHonorsContext(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	// Long backoff so cancellation, not the timer, ends the wait.
	o := NewOrchestrator(nil, &store.Store{DB: db}, nil, nil, nil, nil, nil, nil, nil, nil,
		config.PipelineConfig{MaxAttempts: 3, RetryBackoff: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context) error {
		cancel()
		return fmt.Errorf("fetch insights: %w", connector.ErrNetwork)
	}

	_, rerr := o.runWithRetries(ctx, "job-1", "acct-1", store.StepSync, fn)
	if !errors.Is(rerr, context.Canceled) {
		t.Fatalf("cancelled context should abort the backoff wait: %v", rerr)
	}
}
