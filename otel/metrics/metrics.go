package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcomes recorded by RecordMessage.
const (
	OutcomeAcked        = "acked"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
)

var (
	meter metric.Meter

	messagesTotal      metric.Int64Counter
	batchSize          metric.Int64Histogram
	processingDuration metric.Float64Histogram
	downstreamCalls    metric.Int64Counter
	downstreamDuration metric.Float64Histogram
)

// Init creates the pipeline instruments on the global meter provider. Until
// it is called every Record function is a no-op.
func Init(serviceName string) error {
	meter = otel.Meter(serviceName)

	var err error

	messagesTotal, err = meter.Int64Counter(
		"pipeline_messages_total",
		metric.WithDescription("Messages settled by a pipeline service, by outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline_messages_total counter: %w", err)
	}

	batchSize, err = meter.Int64Histogram(
		"pipeline_batch_size",
		metric.WithDescription("Number of messages per consumed batch"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline_batch_size histogram: %w", err)
	}

	processingDuration, err = meter.Float64Histogram(
		"pipeline_processing_duration_seconds",
		metric.WithDescription("Time spent handling one message or batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline_processing_duration_seconds histogram: %w", err)
	}

	downstreamCalls, err = meter.Int64Counter(
		"downstream_calls_total",
		metric.WithDescription("Total number of downstream service calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downstream_calls_total counter: %w", err)
	}

	downstreamDuration, err = meter.Float64Histogram(
		"downstream_call_duration_seconds",
		metric.WithDescription("Downstream service call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downstream_call_duration_seconds histogram: %w", err)
	}

	return nil
}

// RecordMessage counts n messages settled with outcome.
func RecordMessage(ctx context.Context, service, outcome string, n int) {
	if messagesTotal == nil || n <= 0 {
		return
	}
	messagesTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	))
}

func RecordBatch(ctx context.Context, service string, size int) {
	if batchSize == nil {
		return
	}
	batchSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("service", service)))
}

func RecordProcessing(ctx context.Context, service string, duration time.Duration) {
	if processingDuration == nil {
		return
	}
	processingDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("service", service)))
}

// RecordDownstreamCall records metrics for calls to downstream services
func RecordDownstreamCall(ctx context.Context, target string, duration time.Duration, success bool) {
	if downstreamCalls == nil || downstreamDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("downstream.service", target),
		attribute.Bool("success", success),
	)
	downstreamCalls.Add(ctx, 1, attrs)
	downstreamDuration.Record(ctx, duration.Seconds(), attrs)
}
