package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
	eventsConsumed    otelmetric.Int64Counter
	eventsRejected    otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("lexresearch/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"stream_events_published_total",
		otelmetric.WithDescription("Events appended to job streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_published_total: %v", err)
	}
	eventsConsumed, err = meter.Int64Counter(
		"stream_events_consumed_total",
		otelmetric.WithDescription("Events read from job streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_consumed_total: %v", err)
	}
	eventsRejected, err = meter.Int64Counter(
		"stream_events_rejected_total",
		otelmetric.WithDescription("Events that failed envelope or schema validation"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_rejected_total: %v", err)
	}
}

func recordPublished(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsPublished != nil {
		eventsPublished.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

func recordConsumed(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsConsumed != nil {
		eventsConsumed.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

func recordRejected(ctx context.Context, eventType, side string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsRejected != nil {
		eventsRejected.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("side", side),
		))
	}
}
