package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Batch job statuses.
const (
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Per-account log statuses. A log starts running and lands on exactly one
// terminal status.
const (
	AccountRunning   = "running"
	AccountCompleted = "completed"
	AccountFailed    = "failed"
	AccountSkipped   = "skipped"
)

// Per-account step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// The five sequential pipeline steps tracked per account.
const (
	StepSync        = "sync"
	StepFeatures    = "features"
	StepAnomalies   = "anomalies"
	StepEnrichment  = "enrichment"
	StepPredictions = "predictions"
)

// PipelineSteps lists the steps in execution order.
var PipelineSteps = []string{StepSync, StepFeatures, StepAnomalies, StepEnrichment, StepPredictions}

// BatchJob owns the per-account logs of one pipeline run.
type BatchJob struct {
	ID            string
	Status        string
	TotalAccounts int
	Processed     int
	Failed        int
	Skipped       int
	StartedAt     time.Time
	FinishedAt    *time.Time
	Error         string
}

// BatchAccountLog tracks one account's progress through the five steps.
type BatchAccountLog struct {
	JobID     string
	AccountID string
	Status    string
	Steps     map[string]string
	Attempts  int
	LastError string

	LastActivityAt time.Time
	CreatedAt      time.Time
}

// CreateBatchJob opens a new job covering totalAccounts accounts.
func (s *Store) CreateBatchJob(ctx context.Context, id string, totalAccounts int) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO batch_jobs (id, status, total_accounts, processed, failed, skipped, started_at)
VALUES ($1,$2,$3,0,0,0,NOW())`, id, JobStatusRunning, totalAccounts)
	return err
}

// GetBatchJob fetches one job. The bool reports whether it exists.
func (s *Store) GetBatchJob(ctx context.Context, id string) (BatchJob, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, status, total_accounts, processed, failed, skipped, started_at, finished_at, COALESCE(error,'')
FROM batch_jobs WHERE id = $1`, id)
	var (
		job      BatchJob
		finished sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Status, &job.TotalAccounts, &job.Processed, &job.Failed, &job.Skipped, &job.StartedAt, &finished, &job.Error)
	if err == sql.ErrNoRows {
		return BatchJob{}, false, nil
	}
	if err != nil {
		return BatchJob{}, false, err
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return job, true, nil
}

// SetBatchJobStatus updates the job status (running/paused).
func (s *Store) SetBatchJobStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE batch_jobs SET status=$2 WHERE id=$1`, id, status)
	return err
}

// FinishBatchJob closes the job with a terminal status.
func (s *Store) FinishBatchJob(ctx context.Context, id, status string, jobErr string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE batch_jobs SET status=$2, error=NULLIF($3,''), finished_at=NOW() WHERE id=$1`, id, status, jobErr)
	return err
}

// IncrementJobCounters bumps the aggregate counters with a single atomic
// update so concurrent account workers never lose increments.
func (s *Store) IncrementJobCounters(ctx context.Context, id string, processed, failed, skipped int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE batch_jobs SET
  processed = processed + $2,
  failed    = failed + $3,
  skipped   = skipped + $4
WHERE id = $1`, id, processed, failed, skipped)
	return err
}

// CreateAccountLog opens the per-account step log, all steps pending.
func (s *Store) CreateAccountLog(ctx context.Context, jobID, accountID string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO batch_account_logs (job_id, account_id, status, step_sync, step_features, step_anomalies, step_enrichment, step_predictions, attempts, last_activity_at, created_at)
VALUES ($1,$2,$3,$4,$4,$4,$4,$4,0,NOW(),NOW())`, jobID, accountID, AccountRunning, StepPending)
	return err
}

// SetAccountStep records a step transition and refreshes the watchdog timestamp.
func (s *Store) SetAccountStep(ctx context.Context, jobID, accountID, step, status string) error {
	col, err := stepColumn(step)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE batch_account_logs SET %s=$3, last_activity_at=NOW() WHERE job_id=$1 AND account_id=$2`, col)
	_, err = s.DB.ExecContext(ctx, query, jobID, accountID, status)
	return err
}

// FinishAccountLog sets the account's terminal status and optional error.
// Guarded on the running status so a worker and the watchdog racing to finish
// the same account settle on exactly one winner; returns whether this call won.
func (s *Store) FinishAccountLog(ctx context.Context, jobID, accountID, status, lastError string, attempts int) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE batch_account_logs SET status=$3, last_error=NULLIF($4,''), attempts=$5, last_activity_at=NOW()
WHERE job_id=$1 AND account_id=$2 AND status=$6`, jobID, accountID, status, lastError, attempts, AccountRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchAccountActivity refreshes last_activity_at while a long step is in flight.
func (s *Store) TouchAccountActivity(ctx context.Context, jobID, accountID string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE batch_account_logs SET last_activity_at=NOW() WHERE job_id=$1 AND account_id=$2`, jobID, accountID)
	return err
}

// ListStaleAccountLogs returns still-running accounts whose last activity is
// older than the cutoff; the watchdog fails these out.
func (s *Store) ListStaleAccountLogs(ctx context.Context, jobID string, cutoff time.Time) ([]BatchAccountLog, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT job_id, account_id, status, step_sync, step_features, step_anomalies, step_enrichment, step_predictions, attempts, COALESCE(last_error,''), last_activity_at, created_at
FROM batch_account_logs
WHERE job_id = $1 AND status = $2 AND last_activity_at < $3`, jobID, AccountRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccountLogs(rows)
}

// ListAccountLogs returns all per-account logs for a job.
func (s *Store) ListAccountLogs(ctx context.Context, jobID string) ([]BatchAccountLog, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT job_id, account_id, status, step_sync, step_features, step_anomalies, step_enrichment, step_predictions, attempts, COALESCE(last_error,''), last_activity_at, created_at
FROM batch_account_logs
WHERE job_id = $1
ORDER BY account_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccountLogs(rows)
}

// GetAccountLog fetches one account's log for a job.
func (s *Store) GetAccountLog(ctx context.Context, jobID, accountID string) (BatchAccountLog, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT job_id, account_id, status, step_sync, step_features, step_anomalies, step_enrichment, step_predictions, attempts, COALESCE(last_error,''), last_activity_at, created_at
FROM batch_account_logs
WHERE job_id = $1 AND account_id = $2`, jobID, accountID)
	log, err := scanAccountLog(row)
	if err == sql.ErrNoRows {
		return BatchAccountLog{}, false, nil
	}
	if err != nil {
		return BatchAccountLog{}, false, err
	}
	return log, true, nil
}

func collectAccountLogs(rows *sql.Rows) ([]BatchAccountLog, error) {
	var out []BatchAccountLog
	for rows.Next() {
		log, err := scanAccountLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func scanAccountLog(row rowScanner) (BatchAccountLog, error) {
	var (
		log                                        BatchAccountLog
		sync, features, anomalies, enrich, predict string
	)
	if err := row.Scan(&log.JobID, &log.AccountID, &log.Status, &sync, &features, &anomalies, &enrich, &predict, &log.Attempts, &log.LastError, &log.LastActivityAt, &log.CreatedAt); err != nil {
		return BatchAccountLog{}, err
	}
	log.Steps = map[string]string{
		StepSync:        sync,
		StepFeatures:    features,
		StepAnomalies:   anomalies,
		StepEnrichment:  enrich,
		StepPredictions: predict,
	}
	return log, nil
}

func stepColumn(step string) (string, error) {
	switch step {
	case StepSync:
		return "step_sync", nil
	case StepFeatures:
		return "step_features", nil
	case StepAnomalies:
		return "step_anomalies", nil
	case StepEnrichment:
		return "step_enrichment", nil
	case StepPredictions:
		return "step_predictions", nil
	}
	return "", fmt.Errorf("unknown pipeline step %q", step)
}
