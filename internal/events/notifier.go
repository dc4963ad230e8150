package events

import (
	"context"
	"fmt"

	"github.com/adpilot-hq/adpilot/internal/connector"
)

// StreamNotifier implements connector.Notifier by publishing lifecycle events
// to the notification stream. Delivery services consume the stream downstream.
type StreamNotifier struct {
	pub *Publisher
}

// NewStreamNotifier wraps a publisher as a Notifier.
func NewStreamNotifier(pub *Publisher) *StreamNotifier {
	return &StreamNotifier{pub: pub}
}

func (n *StreamNotifier) ProposalCreated(ctx context.Context, summary connector.ProposalSummary) error {
	if _, err := n.pub.PublishEvent(ctx, EventProposalCreated, summary.AccountID, summary); err != nil {
		return fmt.Errorf("publish proposal.created: %w", err)
	}
	return nil
}

func (n *StreamNotifier) ProposalExecuted(ctx context.Context, result connector.ExecutionResult) error {
	if _, err := n.pub.PublishEvent(ctx, EventProposalExecuted, result.AccountID, result); err != nil {
		return fmt.Errorf("publish proposal.executed: %w", err)
	}
	return nil
}
