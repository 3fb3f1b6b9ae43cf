package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/connection"
	otellogger "github.com/octabyte/fulltext-pipeline/otel/logger"
	"github.com/octabyte/fulltext-pipeline/otel/metrics"
	"github.com/octabyte/fulltext-pipeline/queue"
)

const (
	tracerName = "github.com/octabyte/fulltext-pipeline/pipeline"

	DefaultInactivityTimeout = 5 * time.Second
)

// Options tune a service's consume loop and reject policy.
type Options struct {
	// InactivityTimeout: How long one wait for a message lasts.
	InactivityTimeout time.Duration
	// ExitOnIdle: Return from Run once the input queue stays empty for a
	// whole InactivityTimeout (or, for the indexer, is found empty).
	ExitOnIdle bool
	// MaxRedeliveries and Counter cap requeues of a failing message when the
	// input queue requeues on reject.
	MaxRedeliveries int
	Counter         RedeliveryCounter
}

func (o Options) policy(params queue.Params) RejectPolicy {
	return RejectPolicy{
		Requeue:         params.RequeueOnReject,
		MaxRedeliveries: o.MaxRedeliveries,
		Counter:         o.Counter,
	}
}

func (o Options) inactivityTimeout() time.Duration {
	if o.InactivityTimeout <= 0 {
		return DefaultInactivityTimeout
	}
	return o.InactivityTimeout
}

// processFunc turns one input delivery into the message to forward.
type processFunc func(ctx context.Context, d *queue.Delivery) (any, error)

// stage is a single-message consume, process, publish loop. Each input is
// acked only after its output was published.
type stage struct {
	name     string
	consumer *queue.Consumer
	producer *queue.Producer
	opts     Options
	policy   RejectPolicy
	process  processFunc
}

func (s *stage) run(ctx context.Context) error {
	otellogger.InfoCtx(ctx, "Service started",
		zap.String("service", s.name),
		zap.String("queue", s.consumer.Params().QueueName),
	)

	for d, err := range s.consumer.Messages(ctx, s.opts.inactivityTimeout()) {
		if err != nil {
			return err
		}
		if d == nil {
			if s.opts.ExitOnIdle {
				otellogger.InfoCtx(ctx, "Input queue idle, stopping", zap.String("service", s.name))
				return nil
			}
			continue
		}
		if err := s.handle(ctx, d); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// handle settles d. Only transport failures that cannot be recovered are
// returned.
func (s *stage) handle(ctx context.Context, d *queue.Delivery) error {
	id := d.CorrelationID()
	ctx, span := otel.Tracer(tracerName).Start(ctx, s.name+".process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", d.MessageID()),
			attribute.String("ht_id", id),
			attribute.Bool("redelivered", d.Redelivered()),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() { metrics.RecordProcessing(ctx, s.name, time.Since(start)) }()

	out, err := s.process(ctx, d)
	if err == nil {
		err = s.producer.Publish(ctx, out)
		if err != nil && !errors.Is(err, queue.ErrSerialization) {
			return s.forwardFailed(ctx, d, id, err)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.reject(ctx, d, id, err)
		return nil
	}

	if err := d.Ack(); err != nil {
		otellogger.WarnCtx(ctx, "Ack failed, message will be redelivered",
			zap.String("service", s.name),
			zap.String("id", id),
			zap.Error(err),
		)
		return nil
	}
	if d.Redelivered() {
		s.policy.Forget(ctx, d.RedeliveryKey())
	}
	metrics.RecordMessage(ctx, s.name, metrics.OutcomeAcked, 1)
	return nil
}

// reject settles a processing failure according to the policy.
func (s *stage) reject(ctx context.Context, d *queue.Delivery, id string, cause error) {
	requeue := s.policy.ShouldRequeue(ctx, d.RedeliveryKey())
	otellogger.RejectedCtx(ctx, s.name, id, requeue, cause)

	if err := d.Reject(requeue); err != nil {
		otellogger.WarnCtx(ctx, "Reject failed, message will be redelivered",
			zap.String("service", s.name),
			zap.String("id", id),
			zap.Error(err),
		)
		return
	}
	metrics.RecordMessage(ctx, s.name, outcome(requeue), 1)
}

// forwardFailed returns the input to its queue when its output could not be
// published. The input itself was processed, so the redelivery cap does not
// apply. The producer has already recovered from channel-level failures,
// so only unrecoverable errors stop the service.
func (s *stage) forwardFailed(ctx context.Context, d *queue.Delivery, id string, cause error) error {
	otellogger.ErrorCtx(ctx, "Failed to forward message, requeueing input outside the redelivery cap", cause,
		zap.String("service", s.name),
		zap.String("id", id),
		zap.Bool("redelivery_capped", false),
	)
	if err := d.Reject(true); err == nil {
		metrics.RecordMessage(ctx, s.name, metrics.OutcomeRequeued, 1)
	}

	if connection.IsRecoverable(cause) {
		return nil
	}
	return cause
}

func outcome(requeue bool) string {
	if requeue {
		return metrics.OutcomeRequeued
	}
	return metrics.OutcomeDeadLettered
}
