package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Idempotent operation statuses.
const (
	OperationStatusPending   = "pending"
	OperationStatusCompleted = "completed"
)

// IdempotentOperationRecord caches the result of a side-effecting action,
// keyed by the deterministic operation key plus the actor scope.
type IdempotentOperationRecord struct {
	OperationKey string
	ActorScope   string
	ActionKind   string
	Params       json.RawMessage
	Status       string
	Result       json.RawMessage
	Success      bool
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Expired reports whether the cached record is past its TTL.
func (r IdempotentOperationRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ClaimOperation attempts to register a new operation atomically. Exactly one
// of two concurrent identical calls wins the insert; the loser gets
// claimed=false plus the winner's current record. An expired row is taken
// over by the claimant.
func (s *Store) ClaimOperation(ctx context.Context, key, actorScope, actionKind string, params json.RawMessage, expiresAt time.Time) (bool, IdempotentOperationRecord, error) {
	if key == "" || actorScope == "" {
		return false, IdempotentOperationRecord{}, fmt.Errorf("operation key and actor scope are required")
	}
	var claimed bool
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO idempotent_operations (operation_key, actor_scope, action_kind, params, status, result, success, expires_at, created_at)
VALUES ($1,$2,$3,$4,$5,NULL,false,$6,NOW())
ON CONFLICT (operation_key, actor_scope) DO UPDATE SET
  action_kind = EXCLUDED.action_kind,
  params = EXCLUDED.params,
  status = EXCLUDED.status,
  result = NULL,
  success = false,
  expires_at = EXCLUDED.expires_at,
  created_at = NOW()
WHERE idempotent_operations.expires_at < NOW()
RETURNING true`, key, actorScope, actionKind, params, OperationStatusPending, expiresAt).Scan(&claimed)
	if err == sql.ErrNoRows {
		// A live record already exists; hand it back to the caller.
		rec, ok, err := s.GetOperation(ctx, key, actorScope)
		if err != nil {
			return false, IdempotentOperationRecord{}, err
		}
		if !ok {
			return false, IdempotentOperationRecord{}, fmt.Errorf("operation %s vanished during claim", key)
		}
		return false, rec, nil
	}
	if err != nil {
		return false, IdempotentOperationRecord{}, err
	}
	return claimed, IdempotentOperationRecord{}, nil
}

// CompleteOperation persists the executed action's result under the claim.
func (s *Store) CompleteOperation(ctx context.Context, key, actorScope string, result json.RawMessage, success bool) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE idempotent_operations SET status=$3, result=$4, success=$5
WHERE operation_key=$1 AND actor_scope=$2`, key, actorScope, OperationStatusCompleted, result, success)
	return err
}

// GetOperation fetches a cached operation. The bool reports whether it exists.
func (s *Store) GetOperation(ctx context.Context, key, actorScope string) (IdempotentOperationRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT operation_key, actor_scope, action_kind, params, status, result, success, expires_at, created_at
FROM idempotent_operations
WHERE operation_key=$1 AND actor_scope=$2`, key, actorScope)
	var (
		rec    IdempotentOperationRecord
		result []byte
		params []byte
	)
	err := row.Scan(&rec.OperationKey, &rec.ActorScope, &rec.ActionKind, &params, &rec.Status, &result, &rec.Success, &rec.ExpiresAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return IdempotentOperationRecord{}, false, nil
	}
	if err != nil {
		return IdempotentOperationRecord{}, false, err
	}
	rec.Params = params
	rec.Result = result
	return rec, true, nil
}

// PruneExpiredOperations deletes cache rows past their TTL.
func (s *Store) PruneExpiredOperations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM idempotent_operations WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
