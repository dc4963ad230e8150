package events

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	eventMetricsOnce sync.Once
	eventsPublished  otelmetric.Int64Counter
)

func initEventMetrics() {
	meter := otel.Meter("adpilot/events")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"notification_events_published_total",
		otelmetric.WithDescription("Notification events appended to the stream"),
	)
	if err != nil {
		log.Printf("events metrics init: notification_events_published_total: %v", err)
	}
}

func recordEventPublished(ctx context.Context, eventType, accountID string) {
	eventMetricsOnce.Do(initEventMetrics)
	if eventsPublished == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
	}
	if accountID != "" {
		attrs = append(attrs, attribute.String("account_id", accountID))
	}
	eventsPublished.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attrs...))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
