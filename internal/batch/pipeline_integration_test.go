package batch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/adpilot-hq/adpilot/config"
	"github.com/adpilot-hq/adpilot/internal/anomaly"
	"github.com/adpilot-hq/adpilot/internal/batch"
	"github.com/adpilot-hq/adpilot/internal/connector"
	"github.com/adpilot-hq/adpilot/internal/events"
	"github.com/adpilot-hq/adpilot/internal/features"
	"github.com/adpilot-hq/adpilot/internal/idempotency"
	"github.com/adpilot-hq/adpilot/internal/predict"
	"github.com/adpilot-hq/adpilot/internal/proposal"
	"github.com/adpilot-hq/adpilot/internal/server"
	"github.com/adpilot-hq/adpilot/internal/store"
)

// syntheticIngestor serves nine weeks of daily rows for one ad: a stable
// baseline with a sharp cost spike in the final week.
type syntheticIngestor struct {
	weekStart time.Time
}

func (g *syntheticIngestor) FetchDailyInsights(ctx context.Context, ref store.AccountRef, accountID string, from, to time.Time) ([]store.DailyInsight, error) {
	var rows []store.DailyInsight
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		spend := 10.0
		if !day.Before(g.weekStart) {
			spend = 30.0
		}
		rows = append(rows, store.DailyInsight{
			AccountID:       accountID,
			AdID:            "ad-1",
			Day:             day,
			Impressions:     1000,
			Clicks:          30,
			LinkClicks:      20,
			Results:         1,
			Spend:           spend,
			Frequency:       2.0,
			QualityScore:    7,
			EngagementScore: 6,
			ConversionScore: 5,
		})
	}
	return rows, nil
}

type applyAllActuator struct{ applied int }

func (a *applyAllActuator) ApplyAction(ctx context.Context, kind string, params json.RawMessage) (connector.ActionResult, error) {
	a.applied++
	return connector.ActionResult{Status: "ok", Applied: true}, nil
}

func TestPipelineEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("adpilot"),
		tcPostgres.WithUsername("adpilot"),
		tcPostgres.WithPassword("adpilot"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://adpilot:adpilot@%s:%s/adpilot?sslmode=disable", pgHost, pgPort.Port())
	if err := server.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.DB.Close()

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	defer func() { _ = rdb.Close() }()

	account := store.AdAccount{
		ID:           "acct-int",
		Ref:          store.LegacyAccount("user-1"),
		Name:         "Integration Account",
		Mode:         store.ModeAutopilot,
		ScheduleHour: 6,
		Timezone:     "UTC",
	}
	if err := st.UpsertAccount(ctx, account); err != nil {
		t.Fatalf("upsert account: %v", err)
	}

	weekStart := features.WeekStart(time.Now().UTC())
	cfg := config.PipelineConfig{
		Workers:             2,
		MaxAttempts:         3,
		RetryBackoff:        10 * time.Millisecond,
		WatchdogThreshold:   10 * time.Minute,
		BaselineWindowWeeks: 8,
		PrimaryThresholdPct: 30,
		SecondaryThreshold:  15,
		MinWeeklySpend:      5,

		CorrelationMinSamples:  20,
		CorrelationCacheTTL:    time.Hour,
		BurnoutActionThreshold: 0.7,
		DangerousThreshold:     0.85,

		ProposalTTL:    24 * time.Hour,
		IdempotencyTTL: 24 * time.Hour,
	}

	engine := features.NewEngine(nil, st, cfg.BaselineWindowWeeks)
	detector := anomaly.NewDetector(nil, st, cfg.PrimaryThresholdPct, cfg.SecondaryThreshold, cfg.MinWeeklySpend)
	cache := predict.NewCorrelationCache(rdb, cfg.CorrelationCacheTTL)
	stats := predict.NewStatsJob(nil, st, cache, cfg.CorrelationMinSamples)
	predictor := predict.NewPredictor(nil, st, cache)
	generator := proposal.NewGenerator(nil, st, cfg.BurnoutActionThreshold, cfg.DangerousThreshold, cfg.ProposalTTL)
	publisher := events.NewPublisher(rdb, events.StreamNotifications, 1000)
	notifier := events.NewStreamNotifier(publisher)
	actuator := &applyAllActuator{}
	executor := idempotency.NewExecutor(st, actuator, cfg.IdempotencyTTL)
	router := proposal.NewRouter(nil, st, executor, notifier, cfg.IdempotencyTTL)
	ingestor := &syntheticIngestor{weekStart: weekStart}

	orch := batch.NewOrchestrator(nil, st, ingestor, engine, detector, stats, predictor, generator, router, publisher, cfg)

	jobID, err := orch.RunJob(ctx, weekStart, []string{account.ID})
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	job, found, err := st.GetBatchJob(ctx, jobID)
	if err != nil || !found {
		t.Fatalf("get job: found=%v err=%v", found, err)
	}
	if job.Status != store.JobStatusCompleted {
		t.Fatalf("job status: %s (error %q)", job.Status, job.Error)
	}
	if job.Processed != 1 || job.Failed != 0 || job.Skipped != 0 {
		t.Fatalf("counters: processed=%d failed=%d skipped=%d", job.Processed, job.Failed, job.Skipped)
	}

	logRec, found, err := st.GetAccountLog(ctx, jobID, account.ID)
	if err != nil || !found {
		t.Fatalf("get account log: found=%v err=%v", found, err)
	}
	for _, step := range store.PipelineSteps {
		if logRec.Steps[step] != store.StepCompleted {
			t.Fatalf("step %s: %s", step, logRec.Steps[step])
		}
	}

	rows, err := st.ListWeeklyFeatures(ctx, account.ID, weekStart)
	if err != nil {
		t.Fatalf("list weekly features: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("weekly features rows: %d", len(rows))
	}
	cpr := rows[0].Window(store.MetricCPR)
	if cpr.DeltaPct == nil || *cpr.DeltaPct < 150 {
		t.Fatalf("expected a large CPR spike, got %+v", cpr)
	}

	anomalies, err := st.ListAnomalies(ctx, account.ID, weekStart)
	if err != nil {
		t.Fatalf("list anomalies: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].Severity != anomaly.SeverityHigh {
		t.Fatalf("anomalies: %+v", anomalies)
	}

	// Autopilot mode approves and executes the proposal in the same run.
	proposals, err := st.ListProposalsByAccount(ctx, account.ID, 10)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("proposals: %d", len(proposals))
	}
	p := proposals[0]
	if p.Status != store.ProposalStatusCompleted {
		t.Fatalf("proposal status: %s", p.Status)
	}
	if actuator.applied != len(p.Actions) {
		t.Fatalf("actuator applied %d of %d actions", actuator.applied, len(p.Actions))
	}

	// A second identical approval path must hit the idempotency cache.
	for _, a := range p.Actions {
		res, err := executor.ExecuteOnce(ctx, p.AccountID, a.Kind, a.Params, cfg.IdempotencyTTL)
		if err != nil {
			t.Fatalf("replay action: %v", err)
		}
		if !res.WasCached {
			t.Fatalf("replayed action must come from cache: %+v", res)
		}
	}
	if actuator.applied != len(p.Actions) {
		t.Fatalf("replay executed the side effect again: %d", actuator.applied)
	}

	updated, _, err := st.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if updated.LastRunAt == nil {
		t.Fatal("last_run_at should be stamped after a completed run")
	}
}
