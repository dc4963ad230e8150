package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Proposal statuses.
const (
	ProposalStatusPending   = "pending"
	ProposalStatusApproved  = "approved"
	ProposalStatusRejected  = "rejected"
	ProposalStatusExecuting = "executing"
	ProposalStatusCompleted = "completed"
	ProposalStatusFailed    = "failed"
	ProposalStatusPartial   = "partial"
	ProposalStatusExpired   = "expired"
)

// Action kinds a proposal may carry.
const (
	ActionPauseAd         = "pause_ad"
	ActionReduceBudget    = "reduce_budget"
	ActionRefreshCreative = "refresh_creative"
	ActionReviewTargeting = "review_targeting"
)

// ErrPendingProposalExists is returned when an account already has an
// unresolved pending proposal; the new one must wait for it to resolve or expire.
var ErrPendingProposalExists = errors.New("account already has a pending proposal")

// ProposedAction is one typed optimization action inside a proposal.
type ProposedAction struct {
	AdID      string          `json:"ad_id"`
	Kind      string          `json:"kind"`
	Params    json.RawMessage `json:"params,omitempty"`
	Reason    string          `json:"reason"`
	Dangerous bool            `json:"dangerous"`
	Priority  float64         `json:"priority"`
}

// Proposal groups the ranked actions produced by one pipeline run for one account.
type Proposal struct {
	ID        string
	AccountID string
	JobID     string
	Status    string

	Actions         []ProposedAction
	ExecutedIndices []int64

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateProposal inserts a new pending proposal. A partial unique index on
// (account_id) WHERE status='pending' enforces at most one pending per account;
// hitting it surfaces ErrPendingProposalExists.
func (s *Store) CreateProposal(ctx context.Context, p Proposal) error {
	if p.ID == "" || p.AccountID == "" {
		return fmt.Errorf("proposal id and account_id are required")
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("proposal must carry at least one action")
	}
	if p.Status == "" {
		p.Status = ProposalStatusPending
	}
	actionsJSON, err := marshalJSON(p.Actions)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO proposals (id, account_id, job_id, status, actions, executed_indices, expires_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())`,
		p.ID, p.AccountID, p.JobID, p.Status, actionsJSON, pq.Array(p.ExecutedIndices), p.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPendingProposalExists
		}
		return err
	}
	return nil
}

// GetProposal fetches one proposal. The bool reports whether it exists.
func (s *Store) GetProposal(ctx context.Context, id string) (Proposal, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, account_id, job_id, status, actions, executed_indices, expires_at, created_at, updated_at
FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return Proposal{}, false, nil
	}
	if err != nil {
		return Proposal{}, false, err
	}
	return p, true, nil
}

// ListProposalsByAccount returns an account's proposals newest first.
func (s *Store) ListProposalsByAccount(ctx context.Context, accountID string, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, account_id, job_id, status, actions, executed_indices, expires_at, created_at, updated_at
FROM proposals
WHERE account_id = $1
ORDER BY created_at DESC
LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TransitionProposal moves a proposal from one status to another, guarding the
// state machine at the database level: the update only applies when the row is
// still in fromStatus. The bool reports whether the transition happened.
func (s *Store) TransitionProposal(ctx context.Context, id, fromStatus, toStatus string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE proposals SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`, id, fromStatus, toStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetExecutedIndices records which action indices were executed and the
// resulting status (partial or completed).
func (s *Store) SetExecutedIndices(ctx context.Context, id string, indices []int64, status string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE proposals SET executed_indices=$2, status=$3, updated_at=NOW() WHERE id=$1`, id, pq.Array(indices), status)
	return err
}

// ExpireStaleProposals flips pending proposals past their TTL to expired and
// returns how many were flipped.
func (s *Store) ExpireStaleProposals(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE proposals SET status=$2, updated_at=NOW()
WHERE status=$1 AND expires_at IS NOT NULL AND expires_at < $3`,
		ProposalStatusPending, ProposalStatusExpired, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanProposal(row rowScanner) (Proposal, error) {
	var (
		p           Proposal
		actionsJSON []byte
		indices     pq.Int64Array
		expiresAt   sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.AccountID, &p.JobID, &p.Status, &actionsJSON, &indices, &expiresAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Proposal{}, err
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &p.Actions); err != nil {
			return Proposal{}, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	p.ExecutedIndices = []int64(indices)
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	return p, nil
}
