package proposal

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/adpilot-hq/adpilot/internal/connector"
	"github.com/adpilot-hq/adpilot/internal/idempotency"
	"github.com/adpilot-hq/adpilot/internal/store"
)

// RouterStoreAPI captures the store methods the router needs.
type RouterStoreAPI interface {
	GetProposal(ctx context.Context, id string) (store.Proposal, bool, error)
	TransitionProposal(ctx context.Context, id, fromStatus, toStatus string) (bool, error)
	SetExecutedIndices(ctx context.Context, id string, indices []int64, status string) error
	ExpireStaleProposals(ctx context.Context, now time.Time) (int64, error)
}

// ErrInvalidTransition is returned when the guarded status update matched
// no row, meaning the proposal moved on (approved elsewhere, expired) since
// the caller last saw it.
var ErrInvalidTransition = fmt.Errorf("proposal is not in the expected status")

// Router dispatches a freshly generated proposal according to the account's
// management mode, and services the approve/reject surface for semi-auto
// accounts. Execution always funnels through the idempotency executor so a
// retried or double-submitted approval never applies an action twice.
type Router struct {
	logger   *log.Logger
	store    RouterStoreAPI
	executor *idempotency.Executor
	notifier connector.Notifier

	idempotencyTTL time.Duration
}

// NewRouter constructs a decision router.
func NewRouter(logger *log.Logger, st RouterStoreAPI, exec *idempotency.Executor, notifier connector.Notifier, idemTTL time.Duration) *Router {
	if logger == nil {
		logger = log.New(log.Writer(), "[ROUTER] ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = connector.NopNotifier{}
	}
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Router{logger: logger, store: st, executor: exec, notifier: notifier, idempotencyTTL: idemTTL}
}

// Route handles a newly created (pending) proposal according to mode.
// Report mode persists only; the proposal ages out via TTL expiry.
// Semi-auto notifies and waits for a human decision. Autopilot approves
// and executes every action immediately.
func (r *Router) Route(ctx context.Context, account store.AdAccount, p store.Proposal) error {
	switch account.Mode {
	case store.ModeReport:
		r.logger.Printf("account %s: proposal %s recorded (report mode, %d actions)", p.AccountID, p.ID, len(p.Actions))
		return nil
	case store.ModeSemiAuto:
		if err := r.notifier.ProposalCreated(ctx, summaryOf(p)); err != nil {
			// The proposal is persisted either way; a lost notification is
			// recoverable from the pending list.
			r.logger.Printf("account %s: proposal %s created but notification failed: %v", p.AccountID, p.ID, err)
		}
		return nil
	case store.ModeAutopilot:
		ok, err := r.store.TransitionProposal(ctx, p.ID, store.ProposalStatusPending, store.ProposalStatusApproved)
		if err != nil {
			return fmt.Errorf("approve proposal %s: %w", p.ID, err)
		}
		if !ok {
			return ErrInvalidTransition
		}
		return r.execute(ctx, p, nil)
	default:
		return fmt.Errorf("unknown account mode %q", account.Mode)
	}
}

// Approve moves a pending proposal to approved and executes it. A nil or
// empty indices slice approves every action; otherwise only the listed
// action indices run and the proposal lands in partial status.
func (r *Router) Approve(ctx context.Context, proposalID string, indices []int64) (store.Proposal, error) {
	p, found, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	if !found {
		return store.Proposal{}, fmt.Errorf("proposal %s not found", proposalID)
	}
	if p.ExpiresAt != nil && time.Now().After(*p.ExpiresAt) {
		return store.Proposal{}, fmt.Errorf("proposal %s is expired", proposalID)
	}
	for _, idx := range indices {
		if idx < 0 || idx >= int64(len(p.Actions)) {
			return store.Proposal{}, fmt.Errorf("action index %d out of range", idx)
		}
	}

	ok, err := r.store.TransitionProposal(ctx, proposalID, store.ProposalStatusPending, store.ProposalStatusApproved)
	if err != nil {
		return store.Proposal{}, fmt.Errorf("approve proposal %s: %w", proposalID, err)
	}
	if !ok {
		return store.Proposal{}, ErrInvalidTransition
	}
	if err := r.execute(ctx, p, indices); err != nil {
		return store.Proposal{}, err
	}
	refreshed, _, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, fmt.Errorf("reload proposal: %w", err)
	}
	return refreshed, nil
}

// Reject moves a pending proposal to rejected. No actions are applied.
func (r *Router) Reject(ctx context.Context, proposalID string) error {
	ok, err := r.store.TransitionProposal(ctx, proposalID, store.ProposalStatusPending, store.ProposalStatusRejected)
	if err != nil {
		return fmt.Errorf("reject proposal %s: %w", proposalID, err)
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// ExpireStale flips pending proposals past their TTL to expired.
func (r *Router) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return r.store.ExpireStaleProposals(ctx, now)
}

// execute runs the selected actions through the idempotency executor and
// records the final status. indices==nil means all actions.
func (r *Router) execute(ctx context.Context, p store.Proposal, indices []int64) error {
	ok, err := r.store.TransitionProposal(ctx, p.ID, store.ProposalStatusApproved, store.ProposalStatusExecuting)
	if err != nil {
		return fmt.Errorf("mark executing: %w", err)
	}
	if !ok {
		return ErrInvalidTransition
	}

	selected := indices
	if len(selected) == 0 {
		selected = make([]int64, len(p.Actions))
		for i := range p.Actions {
			selected[i] = int64(i)
		}
	}

	executed := make([]int64, 0, len(selected))
	var lastErr error
	for _, idx := range selected {
		action := p.Actions[idx]
		res, err := r.executor.ExecuteOnce(ctx, p.AccountID, action.Kind, action.Params, r.idempotencyTTL)
		if err != nil {
			r.logger.Printf("proposal %s action %d (%s on %s) failed: %v", p.ID, idx, action.Kind, action.AdID, err)
			lastErr = err
			continue
		}
		if !res.Success {
			r.logger.Printf("proposal %s action %d (%s on %s) reported failure", p.ID, idx, action.Kind, action.AdID)
			lastErr = fmt.Errorf("action %d did not succeed", idx)
			continue
		}
		executed = append(executed, idx)
	}
	sort.Slice(executed, func(i, j int) bool { return executed[i] < executed[j] })

	status := finalStatus(len(p.Actions), len(executed))
	if err := r.store.SetExecutedIndices(ctx, p.ID, executed, status); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}

	result := connector.ExecutionResult{
		AccountID:       p.AccountID,
		ProposalID:      p.ID,
		Status:          status,
		ExecutedIndices: executed,
	}
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	if err := r.notifier.ProposalExecuted(ctx, result); err != nil {
		r.logger.Printf("proposal %s executed but notification failed: %v", p.ID, err)
	}
	return nil
}

// finalStatus maps the execution outcome onto the proposal state machine.
// Anything short of every action applied is partial unless nothing ran.
func finalStatus(total, executed int) string {
	switch {
	case executed == 0:
		return store.ProposalStatusFailed
	case executed == total:
		return store.ProposalStatusCompleted
	default:
		return store.ProposalStatusPartial
	}
}

func summaryOf(p store.Proposal) connector.ProposalSummary {
	s := connector.ProposalSummary{
		AccountID:   p.AccountID,
		ProposalID:  p.ID,
		ActionCount: len(p.Actions),
	}
	if p.ExpiresAt != nil {
		s.ExpiresAt = *p.ExpiresAt
	}
	if len(p.Actions) > 0 {
		s.TopReason = p.Actions[0].Reason
	}
	for _, a := range p.Actions {
		if a.Dangerous {
			s.Dangerous = true
			break
		}
	}
	return s
}
