package connector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adpilot-hq/adpilot/internal/store"
)

// Ingestor pulls raw daily performance rows from the ad platform.
// Implementations live outside the pipeline core.
type Ingestor interface {
	FetchDailyInsights(ctx context.Context, ref store.AccountRef, accountID string, from, to time.Time) ([]store.DailyInsight, error)
}

// ActionResult is what the ad platform returned for an applied action.
type ActionResult struct {
	Status  string          `json:"status"`
	Detail  json.RawMessage `json:"detail,omitempty"`
	Applied bool            `json:"applied"`
}

// Actuator applies optimization actions against the ad platform. It is only
// ever invoked through the idempotency layer.
type Actuator interface {
	ApplyAction(ctx context.Context, kind string, params json.RawMessage) (ActionResult, error)
}

// ProposalSummary is the notification payload for a newly created proposal.
type ProposalSummary struct {
	AccountID   string    `json:"account_id"`
	ProposalID  string    `json:"proposal_id"`
	ActionCount int       `json:"action_count"`
	Dangerous   bool      `json:"dangerous"`
	TopReason   string    `json:"top_reason"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ExecutionResult is the notification payload after a proposal executes.
type ExecutionResult struct {
	AccountID       string  `json:"account_id"`
	ProposalID      string  `json:"proposal_id"`
	Status          string  `json:"status"`
	ExecutedIndices []int64 `json:"executed_indices"`
	Error           string  `json:"error,omitempty"`
}

// Notifier receives proposal lifecycle events. Delivery channel and
// templating are out of scope for the pipeline.
type Notifier interface {
	ProposalCreated(ctx context.Context, summary ProposalSummary) error
	ProposalExecuted(ctx context.Context, result ExecutionResult) error
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) ProposalCreated(context.Context, ProposalSummary) error  { return nil }
func (NopNotifier) ProposalExecuted(context.Context, ExecutionResult) error { return nil }
