package batch

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	batchMetricsOnce sync.Once
	accountsFinished otelmetric.Int64Counter
	stepRetries      otelmetric.Int64Counter
)

func initBatchMetrics() {
	meter := otel.Meter("adpilot/batch")
	var err error
	accountsFinished, err = meter.Int64Counter(
		"pipeline_accounts_finished_total",
		otelmetric.WithDescription("Accounts that reached a terminal pipeline status"),
	)
	if err != nil {
		log.Printf("batch metrics init: pipeline_accounts_finished_total: %v", err)
	}
	stepRetries, err = meter.Int64Counter(
		"pipeline_step_retries_total",
		otelmetric.WithDescription("Retries of transient collaborator failures"),
	)
	if err != nil {
		log.Printf("batch metrics init: pipeline_step_retries_total: %v", err)
	}
}

func recordAccountFinished(ctx context.Context, status string) {
	batchMetricsOnce.Do(initBatchMetrics)
	if accountsFinished == nil {
		return
	}
	accountsFinished.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
}

func recordStepRetry(ctx context.Context, step string, class string) {
	batchMetricsOnce.Do(initBatchMetrics)
	if stepRetries == nil {
		return
	}
	stepRetries.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("step", step),
		attribute.String("error_class", class),
	))
}
