package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cleanup := func() { db.Close() }
	return &Store{DB: db}, mock, cleanup
}

func pendingProposal() Proposal {
	expires := time.Now().Add(24 * time.Hour)
	return Proposal{
		ID:        "prop-1",
		AccountID: "acct-1",
		JobID:     "job-1",
		Status:    ProposalStatusPending,
		Actions: []ProposedAction{
			{AdID: "ad-1", Kind: ActionReduceBudget, Reason: "CPR deviated 40.0% from baseline"},
		},
		ExpiresAt: &expires,
	}
}

func TestCreateProposalRequiresActions(t *testing.T) {
	st, _, cleanup := setupStore(t)
	defer cleanup()

	p := pendingProposal()
	p.Actions = nil
	if err := st.CreateProposal(context.Background(), p); err == nil {
		t.Fatal("empty proposal must be rejected before hitting the database")
	}
}

func TestCreateProposalPendingConflict(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proposals")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := st.CreateProposal(context.Background(), pendingProposal())
	if !errors.Is(err, ErrPendingProposalExists) {
		t.Fatalf("unique violation should surface as ErrPendingProposalExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionProposalGuard(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	query := regexp.QuoteMeta("UPDATE proposals SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2")
	mock.ExpectExec(query).
		WithArgs("prop-1", ProposalStatusPending, ProposalStatusApproved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).
		WithArgs("prop-1", ProposalStatusPending, ProposalStatusApproved).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.TransitionProposal(context.Background(), "prop-1", ProposalStatusPending, ProposalStatusApproved)
	if err != nil || !ok {
		t.Fatalf("first transition should win: ok=%v err=%v", ok, err)
	}
	ok, err = st.TransitionProposal(context.Background(), "prop-1", ProposalStatusPending, ProposalStatusApproved)
	if err != nil || ok {
		t.Fatalf("second transition must lose the guard: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetProposalScansActionsAndIndices(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Now()
	actions := []byte(`[{"ad_id":"ad-1","kind":"reduce_budget","reason":"r","dangerous":false,"priority":0.7},{"ad_id":"ad-2","kind":"pause_ad","reason":"r2","dangerous":true,"priority":0.9}]`)
	rows := sqlmock.NewRows([]string{"id", "account_id", "job_id", "status", "actions", "executed_indices", "expires_at", "created_at", "updated_at"}).
		AddRow("prop-1", "acct-1", "job-1", ProposalStatusPartial, actions, []byte("{0}"), now.Add(time.Hour), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE id = $1")).
		WithArgs("prop-1").
		WillReturnRows(rows)

	p, found, err := st.GetProposal(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if !found {
		t.Fatal("proposal should exist")
	}
	if len(p.Actions) != 2 || p.Actions[1].Kind != ActionPauseAd || !p.Actions[1].Dangerous {
		t.Fatalf("actions: %+v", p.Actions)
	}
	if len(p.ExecutedIndices) != 1 || p.ExecutedIndices[0] != 0 {
		t.Fatalf("executed indices: %v", p.ExecutedIndices)
	}
	if p.ExpiresAt == nil {
		t.Fatal("expires_at should be set")
	}
}

func TestGetProposalMissing(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "job_id", "status", "actions", "executed_indices", "expires_at", "created_at", "updated_at"}))

	_, found, err := st.GetProposal(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if found {
		t.Fatal("missing proposal must report found=false")
	}
}
