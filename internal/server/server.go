package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/adpilot-hq/adpilot/config"
	"github.com/adpilot-hq/adpilot/internal/anomaly"
	"github.com/adpilot-hq/adpilot/internal/batch"
	"github.com/adpilot-hq/adpilot/internal/connector"
	"github.com/adpilot-hq/adpilot/internal/events"
	"github.com/adpilot-hq/adpilot/internal/features"
	"github.com/adpilot-hq/adpilot/internal/idempotency"
	"github.com/adpilot-hq/adpilot/internal/predict"
	"github.com/adpilot-hq/adpilot/internal/proposal"
	"github.com/adpilot-hq/adpilot/internal/store"
)

// Run boots the API server plus the scheduler and blocks until the listener
// stops. The ingestion and actuation collaborators are injected by the
// caller because they differ per ad platform deployment.
func Run(addr string, cfg *appconfig.Config, ingestor connector.Ingestor, actuator connector.Actuator) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	orch, router := buildPipeline(cfg, st, rdb, ingestor, actuator)

	api := e.Group("/api")
	ph := &ProposalsHandler{Store: st, Router: router}
	ph.Register(api)
	jh := &JobsHandler{Store: st, Orch: orch}
	jh.Register(api)

	sched := &batch.Scheduler{Store: st, Stop: make(chan struct{}), Rdb: rdb, Orch: orch}
	sched.Start()
	go expireLoop(router, log.New(log.Writer(), "[EXPIRY] ", log.LstdFlags))

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10010"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// BuildOrchestrator opens storage connections and assembles a standalone
// orchestrator for one-shot CLI runs.
func BuildOrchestrator(cfg *appconfig.Config, ingestor connector.Ingestor, actuator connector.Actuator) (*batch.Orchestrator, error) {
	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	orch, _ := buildPipeline(cfg, st, rdb, ingestor, actuator)
	return orch, nil
}

// buildPipeline assembles the decision pipeline components once, shared by
// the API handlers and the scheduler.
func buildPipeline(cfg *appconfig.Config, st *store.Store, rdb *redis.Client, ingestor connector.Ingestor, actuator connector.Actuator) (*batch.Orchestrator, *proposal.Router) {
	p := cfg.Pipeline

	engine := features.NewEngine(nil, st, p.BaselineWindowWeeks)
	detector := anomaly.NewDetector(nil, st, p.PrimaryThresholdPct, p.SecondaryThreshold, p.MinWeeklySpend)
	cache := predict.NewCorrelationCache(rdb, p.CorrelationCacheTTL)
	stats := predict.NewStatsJob(nil, st, cache, p.CorrelationMinSamples)
	predictor := predict.NewPredictor(nil, st, cache)
	generator := proposal.NewGenerator(nil, st, p.BurnoutActionThreshold, p.DangerousThreshold, p.ProposalTTL)

	publisher := events.NewPublisher(rdb, events.StreamNotifications, 10000)
	notifier := events.NewStreamNotifier(publisher)
	executor := idempotency.NewExecutor(st, actuator, p.IdempotencyTTL)
	router := proposal.NewRouter(nil, st, executor, notifier, p.IdempotencyTTL)

	orch := batch.NewOrchestrator(nil, st, ingestor, engine, detector, stats, predictor, generator, router, publisher, p)
	return orch, router
}

// expireLoop ages out pending proposals past their TTL.
func expireLoop(router *proposal.Router, logger *log.Logger) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		n, err := router.ExpireStale(context.Background(), time.Now())
		if err != nil {
			logger.Printf("expire stale proposals: %v", err)
			continue
		}
		if n > 0 {
			logger.Printf("expired %d stale proposals", n)
		}
	}
}
