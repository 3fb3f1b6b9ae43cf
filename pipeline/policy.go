package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

// RedeliveryCounter tracks requeues per message id.
// *redis.RedeliveryCounter implements it.
type RedeliveryCounter interface {
	Incr(ctx context.Context, id string) (int64, error)
	Reset(ctx context.Context, id string) error
}

// RejectPolicy decides between requeue and dead-letter for a rejected
// message. Without a Counter, or with MaxRedeliveries <= 0, requeue is
// unbounded when Requeue is set.
type RejectPolicy struct {
	Requeue         bool
	MaxRedeliveries int
	Counter         RedeliveryCounter
}

func (p RejectPolicy) capped() bool {
	return p.Counter != nil && p.MaxRedeliveries > 0
}

// ShouldRequeue reports whether the message id goes back to the main queue.
// Callers pass queue.Delivery.RedeliveryKey, which is never empty. Under a
// cap an empty id cannot be counted and is dead-lettered. A counter failure
// falls back to the configured Requeue flag.
func (p RejectPolicy) ShouldRequeue(ctx context.Context, id string) bool {
	if !p.Requeue {
		return false
	}
	if !p.capped() {
		return true
	}
	if id == "" {
		logger.LogWarn("Message has no redelivery key, dead-lettering")
		return false
	}

	n, err := p.Counter.Incr(ctx, id)
	if err != nil {
		logger.LogWarn("Redelivery counter unavailable, requeueing", zap.String("id", id), zap.Error(err))
		return true
	}
	if n > int64(p.MaxRedeliveries) {
		logger.LogWarn("Redelivery limit reached, dead-lettering",
			zap.String("id", id),
			zap.Int64("redeliveries", n-1),
			zap.Int("max_redeliveries", p.MaxRedeliveries),
		)
		p.Forget(ctx, id)
		return false
	}
	return true
}

// ShouldRequeueAll applies ShouldRequeue to a batch: the batch is requeued
// only if every id may be requeued.
func (p RejectPolicy) ShouldRequeueAll(ctx context.Context, ids []string) bool {
	requeue := p.Requeue
	for _, id := range ids {
		if !p.ShouldRequeue(ctx, id) {
			requeue = false
		}
	}
	return requeue
}

// Forget clears the count for id once it has been settled for good.
func (p RejectPolicy) Forget(ctx context.Context, id string) {
	if p.Counter == nil || id == "" {
		return
	}
	if err := p.Counter.Reset(ctx, id); err != nil {
		logger.LogWarn("Failed to reset redelivery count", zap.String("id", id), zap.Error(err))
	}
}
