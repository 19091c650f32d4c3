// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/reliable-messaging-core/internal/breaker"
	"github.com/flyingrobots/reliable-messaging-core/internal/deadletter"
	"github.com/flyingrobots/reliable-messaging-core/internal/model"
	"github.com/flyingrobots/reliable-messaging-core/internal/obs"
	"github.com/flyingrobots/reliable-messaging-core/internal/outbox"
)

const outboxComponent = "Outbox"

// OutboxOptions tunes the publisher loop.
type OutboxOptions struct {
	BatchSize    int
	PollInterval time.Duration
	Backoff      Backoff
	Breaker      BreakerConfig
	Clock        Clock
}

func (o OutboxOptions) withDefaults() OutboxOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	o.Breaker = o.Breaker.withDefaults()
	if o.Clock == nil {
		o.Clock = defaultClock
	}
	return o
}

// OutboxPublisher sweeps Pending outbox entries and pushes them through the
// Transport, FIFO by created_at (§4.C.2). Exhausted entries are marked
// Failed and handed to the dead-letter store.
type OutboxPublisher struct {
	store     *outbox.Store
	dlq       *deadletter.Store
	transport Transport
	log       *zap.Logger
	cb        *breaker.CircuitBreaker
	opts      OutboxOptions
}

// NewOutboxPublisher builds a publisher over the given stores and transport.
func NewOutboxPublisher(store *outbox.Store, dlq *deadletter.Store, transport Transport, log *zap.Logger, opts OutboxOptions) *OutboxPublisher {
	opts = opts.withDefaults()
	return &OutboxPublisher{
		store:     store,
		dlq:       dlq,
		transport: transport,
		log:       nopLogger(log),
		cb:        newBreaker(opts.Breaker),
		opts:      opts,
	}
}

// Run polls until ctx is cancelled.
func (p *OutboxPublisher) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if !p.cb.Allow() {
			sleep(ctx, p.opts.Breaker.Pause)
			continue
		}
		p.Sweep(ctx)
		sleep(ctx, p.opts.PollInterval)
	}
	return ctx.Err()
}

// Sweep processes one bounded batch of due Pending entries.
func (p *OutboxPublisher) Sweep(ctx context.Context) {
	entries, err := p.store.GetPending(ctx, outbox.PendingQuery{Limit: p.opts.BatchSize})
	if err != nil {
		p.log.Warn("outbox sweep query failed", zap.String("component", outboxComponent), zap.Error(err))
		return
	}
	now := p.opts.Clock()
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		entry := &entries[i]
		if entry.NextRetryAt != nil && entry.NextRetryAt.After(now) {
			continue
		}
		p.publish(ctx, entry, now)
	}
}

func (p *OutboxPublisher) publish(ctx context.Context, entry *model.OutboxEntry, now time.Time) {
	start := time.Now()
	err := p.transport.Send(ctx, entry.Destination, entry.Payload)
	obs.HandlerDuration.Observe(time.Since(start).Seconds())
	recordBreaker(p.cb, outboxComponent, err == nil)

	if err == nil {
		if markErr := p.store.MarkProcessed(ctx, entry.ID); markErr != nil {
			p.log.Warn("outbox mark processed failed",
				zap.String("component", outboxComponent), zap.String("id", entry.ID), zap.Error(markErr))
			return
		}
		obs.OutboxPublished.Inc()
		p.log.Debug("outbox entry published",
			zap.String("component", outboxComponent), zap.String("id", entry.ID),
			zap.String("destination", entry.Destination))
		return
	}

	if ctx.Err() != nil {
		// Cancellation mid-flight: leave the entry Pending for the next
		// sweep rather than counting the abort as a delivery failure.
		return
	}

	if entry.RetryCount < entry.MaxRetries {
		next := entry.RetryCount + 1
		nextRetryAt := now.Add(p.opts.Backoff.Next(next))
		if updErr := p.store.UpdateRetryCount(ctx, entry.ID, next, &nextRetryAt); updErr != nil {
			p.log.Warn("outbox retry bookkeeping failed",
				zap.String("component", outboxComponent), zap.String("id", entry.ID), zap.Error(updErr))
			return
		}
		obs.OutboxRetried.Inc()
		p.log.Warn("outbox publish failed, retry scheduled",
			zap.String("component", outboxComponent), zap.String("id", entry.ID),
			zap.Int("retry_count", next), zap.Time("next_retry_at", nextRetryAt), zap.Error(err))
		return
	}

	if markErr := p.store.MarkFailed(ctx, entry.ID, err); markErr != nil {
		p.log.Error("outbox mark failed failed",
			zap.String("component", outboxComponent), zap.String("id", entry.ID), zap.Error(markErr))
		return
	}
	obs.OutboxFailed.Inc()

	_, dlqErr := p.dlq.Send(ctx, entry.ID, entry.MessageType, entry.Payload, deadletter.FailureContext{
		Reason:           "publish retries exhausted",
		Component:        outboxComponent,
		RetryCount:       entry.RetryCount,
		FailureTime:      now,
		ExceptionMessage: err.Error(),
		Metadata:         map[string]any{"destination": entry.Destination},
	})
	if dlqErr != nil {
		p.log.Error("outbox dead-letter hand-off failed",
			zap.String("component", outboxComponent), zap.String("id", entry.ID), zap.Error(dlqErr))
		return
	}
	obs.DeadLettered.WithLabelValues(outboxComponent).Inc()
	p.log.Error("outbox entry dead-lettered",
		zap.String("component", outboxComponent), zap.String("id", entry.ID),
		zap.Int("retry_count", entry.RetryCount), zap.Error(err))
}
