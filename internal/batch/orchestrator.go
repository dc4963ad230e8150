package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adpilot-hq/adpilot/config"
	"github.com/adpilot-hq/adpilot/internal/anomaly"
	"github.com/adpilot-hq/adpilot/internal/connector"
	"github.com/adpilot-hq/adpilot/internal/events"
	"github.com/adpilot-hq/adpilot/internal/features"
	"github.com/adpilot-hq/adpilot/internal/predict"
	"github.com/adpilot-hq/adpilot/internal/proposal"
	"github.com/adpilot-hq/adpilot/internal/store"
)

// ErrNoEligibleAccounts is returned when a job is requested with nothing to run.
var ErrNoEligibleAccounts = errors.New("no eligible accounts")

type pipelineStep struct {
	name string
	run  func(context.Context) error
}

// Orchestrator fans the decision pipeline out across accounts with a fixed
// worker pool. Accounts run fully in parallel; within one account the five
// steps are strictly sequential because each consumes the previous step's
// output. The only cross-account state is the job's aggregate counters,
// updated with atomic SQL increments.
type Orchestrator struct {
	logger    *log.Logger
	store     *store.Store
	ingestor  connector.Ingestor
	engine    *features.Engine
	detector  *anomaly.Detector
	stats     *predict.StatsJob
	predictor *predict.Predictor
	generator *proposal.Generator
	router    *proposal.Router
	publisher *events.Publisher

	cfg    config.PipelineConfig
	tracer trace.Tracer
}

// NewOrchestrator wires the pipeline components together.
func NewOrchestrator(
	logger *log.Logger,
	st *store.Store,
	ingestor connector.Ingestor,
	engine *features.Engine,
	detector *anomaly.Detector,
	stats *predict.StatsJob,
	predictor *predict.Predictor,
	generator *proposal.Generator,
	router *proposal.Router,
	publisher *events.Publisher,
	cfg config.PipelineConfig,
) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[BATCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		logger:    logger,
		store:     st,
		ingestor:  ingestor,
		engine:    engine,
		detector:  detector,
		stats:     stats,
		predictor: predictor,
		generator: generator,
		router:    router,
		publisher: publisher,
		cfg:       cfg,
		tracer:    otel.Tracer("adpilot/batch"),
	}
}

// RunJob executes one pipeline run for the given week over accountIDs, or
// over every stored account when accountIDs is empty. It blocks until every
// dispatched account reaches a terminal state and returns the job ID.
func (o *Orchestrator) RunJob(ctx context.Context, weekStart time.Time, accountIDs []string) (string, error) {
	jobID, accounts, err := o.prepareJob(ctx, accountIDs)
	if err != nil {
		return jobID, err
	}
	return jobID, o.executeJob(ctx, jobID, weekStart, accounts)
}

// StartJob prepares a job and runs it in the background, returning the job
// ID immediately. Progress is observable through the job and account logs.
func (o *Orchestrator) StartJob(ctx context.Context, weekStart time.Time, accountIDs []string) (string, error) {
	jobID, accounts, err := o.prepareJob(ctx, accountIDs)
	if err != nil {
		return jobID, err
	}
	go func() {
		if err := o.executeJob(context.Background(), jobID, weekStart, accounts); err != nil {
			o.logger.Printf("job %s: %v", jobID, err)
		}
	}()
	return jobID, nil
}

// prepareJob resolves eligible accounts and opens the job and account logs.
func (o *Orchestrator) prepareJob(ctx context.Context, accountIDs []string) (string, []store.AdAccount, error) {
	accounts, err := o.eligibleAccounts(ctx, accountIDs)
	if err != nil {
		return "", nil, err
	}

	jobID := uuid.NewString()
	if err := o.store.CreateBatchJob(ctx, jobID, len(accounts)); err != nil {
		return "", nil, fmt.Errorf("create batch job: %w", err)
	}
	if len(accounts) == 0 {
		// The only orchestration-level failure: nothing to run.
		_ = o.store.FinishBatchJob(ctx, jobID, store.JobStatusFailed, ErrNoEligibleAccounts.Error())
		return jobID, nil, ErrNoEligibleAccounts
	}
	for _, a := range accounts {
		if err := o.store.CreateAccountLog(ctx, jobID, a.ID); err != nil {
			return jobID, nil, fmt.Errorf("create account log for %s: %w", a.ID, err)
		}
	}
	return jobID, accounts, nil
}

func (o *Orchestrator) executeJob(ctx context.Context, jobID string, weekStart time.Time, accounts []store.AdAccount) error {
	weekStart = features.WeekStart(weekStart)
	o.logger.Printf("job %s: %d accounts, week %s, %d workers", jobID, len(accounts), weekStart.Format("2006-01-02"), o.workers())

	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	var watchdogWG sync.WaitGroup
	watchdogWG.Add(1)
	go func() {
		defer watchdogWG.Done()
		o.runWatchdog(watchdogCtx, jobID)
	}()

	tasks := make(chan store.AdAccount)
	var wg sync.WaitGroup
	for i := 0; i < o.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for account := range tasks {
				o.processAccount(ctx, jobID, account, weekStart)
			}
		}()
	}

	// Dequeue gate: a paused job stops feeding workers but lets in-flight
	// account tasks run to completion.
	paused := false
	for _, account := range accounts {
		job, found, err := o.store.GetBatchJob(ctx, jobID)
		if err == nil && found && job.Status == store.JobStatusPaused {
			paused = true
			break
		}
		select {
		case tasks <- account:
		case <-ctx.Done():
			paused = true
		}
		if paused {
			break
		}
	}
	close(tasks)
	wg.Wait()
	stopWatchdog()
	watchdogWG.Wait()

	finalStatus := store.JobStatusCompleted
	if paused {
		finalStatus = store.JobStatusPaused
	}
	if finalStatus == store.JobStatusCompleted {
		if err := o.store.FinishBatchJob(ctx, jobID, finalStatus, ""); err != nil {
			return fmt.Errorf("finish batch job: %w", err)
		}
	}

	if o.publisher != nil {
		job, found, err := o.store.GetBatchJob(ctx, jobID)
		if err == nil && found {
			_, _ = o.publisher.PublishEvent(ctx, events.EventJobFinished, "", map[string]interface{}{
				"job_id":    jobID,
				"status":    job.Status,
				"processed": job.Processed,
				"failed":    job.Failed,
				"skipped":   job.Skipped,
			})
		}
	}
	return nil
}

// Pause marks a running job paused; workers finish their current account and
// the dispatcher stops dequeueing.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	return o.store.SetBatchJobStatus(ctx, jobID, store.JobStatusPaused)
}

func (o *Orchestrator) workers() int {
	if o.cfg.Workers <= 0 {
		return 4
	}
	return o.cfg.Workers
}

func (o *Orchestrator) eligibleAccounts(ctx context.Context, accountIDs []string) ([]store.AdAccount, error) {
	if len(accountIDs) == 0 {
		accounts, err := o.store.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		return accounts, nil
	}
	accounts := make([]store.AdAccount, 0, len(accountIDs))
	for _, id := range accountIDs {
		a, found, err := o.store.GetAccount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get account %s: %w", id, err)
		}
		if !found {
			return nil, fmt.Errorf("account %s not found", id)
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// processAccount runs the five pipeline steps for one account and records
// the terminal outcome exactly once.
func (o *Orchestrator) processAccount(ctx context.Context, jobID string, account store.AdAccount, weekStart time.Time) {
	ctx, span := o.tracer.Start(ctx, "pipeline.account",
		trace.WithAttributes(attribute.String("account_id", account.ID)))
	defer span.End()

	attempts := 0
	steps := []pipelineStep{
		{store.StepSync, func(ctx context.Context) error { return o.syncStep(ctx, account, weekStart) }},
		{store.StepFeatures, func(ctx context.Context) error {
			_, err := o.engine.ComputeWeek(ctx, account.ID, weekStart)
			return err
		}},
		{store.StepAnomalies, func(ctx context.Context) error {
			_, err := o.detector.DetectWeek(ctx, account.ID, weekStart, account.PrimaryPctOverride, account.SecondaryPctOverride)
			return err
		}},
		{store.StepEnrichment, func(ctx context.Context) error {
			_, err := o.stats.RecomputeAccount(ctx, account.ID)
			return err
		}},
		{store.StepPredictions, func(ctx context.Context) error {
			_, err := o.predictor.PredictWeek(ctx, account.ID, weekStart)
			return err
		}},
	}

	for i, step := range steps {
		if err := o.store.SetAccountStep(ctx, jobID, account.ID, step.name, store.StepRunning); err != nil {
			o.logger.Printf("job %s account %s: set step %s running: %v", jobID, account.ID, step.name, err)
		}
		stepAttempts, err := o.runWithRetries(ctx, jobID, account.ID, step.name, step.run)
		attempts += stepAttempts
		if err == nil {
			_ = o.store.SetAccountStep(ctx, jobID, account.ID, step.name, store.StepCompleted)
			continue
		}

		class := connector.Classify(err)
		if class == connector.ClassTokenInvalid {
			// Credentials are dead for the rest of the run; nothing after
			// this step can do useful work for the account.
			o.logger.Printf("job %s account %s: step %s: invalid credentials, skipping account", jobID, account.ID, step.name)
			_ = o.store.SetAccountStep(ctx, jobID, account.ID, step.name, store.StepSkipped)
			o.skipRemainingSteps(ctx, jobID, account.ID, steps, i+1)
			o.finishAccount(ctx, jobID, account.ID, store.AccountSkipped, err.Error(), attempts)
			return
		}

		o.logger.Printf("job %s account %s: step %s failed (%s): %v", jobID, account.ID, step.name, class, err)
		_ = o.store.SetAccountStep(ctx, jobID, account.ID, step.name, store.StepFailed)
		o.finishAccount(ctx, jobID, account.ID, store.AccountFailed, err.Error(), attempts)
		return
	}

	o.finishAccount(ctx, jobID, account.ID, store.AccountCompleted, "", attempts)
	if err := o.store.MarkAccountRun(ctx, account.ID, time.Now()); err != nil {
		o.logger.Printf("job %s account %s: mark account run: %v", jobID, account.ID, err)
	}
	o.propose(ctx, jobID, account, weekStart)
}

// runWithRetries executes fn, retrying transient failures with exponential
// backoff up to the configured attempt budget. Returns attempts used.
func (o *Orchestrator) runWithRetries(ctx context.Context, jobID, accountID, step string, fn func(context.Context) error) (int, error) {
	maxAttempts := o.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := o.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		class := connector.Classify(err)
		if !class.Retryable() || attempt == maxAttempts {
			return attempt, err
		}
		recordStepRetry(ctx, step, string(class))
		o.logger.Printf("job %s account %s: step %s attempt %d/%d failed (%s), retrying in %s", jobID, accountID, step, attempt, maxAttempts, class, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
		backoff *= 2
		_ = o.store.TouchAccountActivity(ctx, jobID, accountID)
	}
	return maxAttempts, err
}

func (o *Orchestrator) skipRemainingSteps(ctx context.Context, jobID, accountID string, steps []pipelineStep, from int) {
	for _, step := range steps[from:] {
		_ = o.store.SetAccountStep(ctx, jobID, accountID, step.name, store.StepSkipped)
	}
}

// finishAccount records the terminal account status and bumps the matching
// job counter. The guarded log update keeps the watchdog and workers from
// double counting.
func (o *Orchestrator) finishAccount(ctx context.Context, jobID, accountID, status, lastError string, attempts int) {
	won, err := o.store.FinishAccountLog(ctx, jobID, accountID, status, lastError, attempts)
	if err != nil {
		o.logger.Printf("job %s account %s: finish log: %v", jobID, accountID, err)
		return
	}
	if !won {
		return
	}
	var processed, failed, skipped int
	switch status {
	case store.AccountCompleted:
		processed = 1
	case store.AccountFailed:
		failed = 1
	case store.AccountSkipped:
		skipped = 1
	}
	if err := o.store.IncrementJobCounters(ctx, jobID, processed, failed, skipped); err != nil {
		o.logger.Printf("job %s account %s: increment counters: %v", jobID, accountID, err)
	}
	recordAccountFinished(ctx, status)
}

// syncStep pulls enough daily history to cover the target week plus the
// baseline window, pacing calls to respect collaborator rate limits.
func (o *Orchestrator) syncStep(ctx context.Context, account store.AdAccount, weekStart time.Time) error {
	window := o.cfg.BaselineWindowWeeks
	if window <= 0 {
		window = 8
	}
	from := weekStart.AddDate(0, 0, -7*window)
	to := weekStart.AddDate(0, 0, 7)

	rows, err := o.ingestor.FetchDailyInsights(ctx, account.Ref, account.ID, from, to)
	if err != nil {
		return err
	}
	o.pause(ctx)
	if len(rows) == 0 {
		return nil
	}
	if err := o.store.InsertDailyInsights(ctx, rows); err != nil {
		return fmt.Errorf("insert daily insights: %w", err)
	}
	return nil
}

// propose runs the generator and router after a fully completed account.
func (o *Orchestrator) propose(ctx context.Context, jobID string, account store.AdAccount, weekStart time.Time) {
	p, err := o.generator.Generate(ctx, jobID, account.ID, weekStart)
	if err != nil {
		o.logger.Printf("job %s account %s: generate proposal: %v", jobID, account.ID, err)
		return
	}
	if p == nil {
		return
	}
	if err := o.store.CreateProposal(ctx, *p); err != nil {
		if errors.Is(err, store.ErrPendingProposalExists) {
			o.logger.Printf("job %s account %s: pending proposal already open, not replacing", jobID, account.ID)
			return
		}
		o.logger.Printf("job %s account %s: create proposal: %v", jobID, account.ID, err)
		return
	}
	if err := o.router.Route(ctx, account, *p); err != nil {
		o.logger.Printf("job %s account %s: route proposal %s: %v", jobID, account.ID, p.ID, err)
	}
}

func (o *Orchestrator) pause(ctx context.Context) {
	if o.cfg.InterCallPause <= 0 {
		return
	}
	select {
	case <-time.After(o.cfg.InterCallPause):
	case <-ctx.Done():
	}
}

// runWatchdog periodically fails out accounts that stopped making progress
// so a stuck collaborator call cannot wedge the whole job.
func (o *Orchestrator) runWatchdog(ctx context.Context, jobID string) {
	threshold := o.cfg.WatchdogThreshold
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	interval := threshold / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := o.store.ListStaleAccountLogs(context.Background(), jobID, time.Now().Add(-threshold))
			if err != nil {
				o.logger.Printf("job %s: watchdog list stale: %v", jobID, err)
				continue
			}
			for _, rec := range stale {
				o.logger.Printf("job %s account %s: no progress for %s, failing out", jobID, rec.AccountID, threshold)
				o.finishAccount(context.Background(), jobID, rec.AccountID, store.AccountFailed, "watchdog: no progress", rec.Attempts)
			}
		}
	}
}
