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
	"github.com/flyingrobots/reliable-messaging-core/internal/queuestore"
)

const queueComponent = "Queue"

// QueueOptions tunes the poller loop.
type QueueOptions struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxDeliveries int
	Breaker       BreakerConfig
	Clock         Clock
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 3
	}
	o.Breaker = o.Breaker.withDefaults()
	if o.Clock == nil {
		o.Clock = defaultClock
	}
	return o
}

// QueuePoller leases entries off one queue and drives them through the
// handler. Multiple replicas are safe: the dequeue path skip-locks past rows
// other workers hold (§4.C.4), and an unacknowledged lease simply expires
// back into visibility.
type QueuePoller struct {
	store     *queuestore.Store
	dlq       *deadletter.Store
	queueName string
	handler   Handler
	log       *zap.Logger
	cb        *breaker.CircuitBreaker
	opts      QueueOptions
}

// NewQueuePoller builds a poller for queueName.
func NewQueuePoller(store *queuestore.Store, dlq *deadletter.Store, queueName string, handler Handler, log *zap.Logger, opts QueueOptions) *QueuePoller {
	opts = opts.withDefaults()
	return &QueuePoller{
		store:     store,
		dlq:       dlq,
		queueName: queueName,
		handler:   handler,
		log:       nopLogger(log),
		cb:        newBreaker(opts.Breaker),
		opts:      opts,
	}
}

// Run polls until ctx is cancelled.
func (p *QueuePoller) Run(ctx context.Context) error {
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

// Sweep leases and processes up to BatchSize entries.
func (p *QueuePoller) Sweep(ctx context.Context) {
	for i := 0; i < p.opts.BatchSize; i++ {
		if ctx.Err() != nil {
			return
		}
		entry, err := p.store.Dequeue(ctx, p.queueName)
		if err != nil {
			p.log.Warn("queue dequeue failed",
				zap.String("component", queueComponent), zap.String("queue", p.queueName), zap.Error(err))
			return
		}
		if entry == nil {
			return
		}
		obs.QueueDequeued.Inc()
		p.process(ctx, entry)
	}
}

func (p *QueuePoller) process(ctx context.Context, entry *model.QueueEntry) {
	start := time.Now()
	err := p.handler.Handle(ctx, entry.MessageType, entry.Payload)
	obs.HandlerDuration.Observe(time.Since(start).Seconds())
	recordBreaker(p.cb, queueComponent, err == nil)

	if err == nil {
		if ackErr := p.store.Acknowledge(ctx, p.queueName, entry.ID); ackErr != nil {
			p.log.Warn("queue acknowledge failed",
				zap.String("component", queueComponent), zap.String("id", entry.ID), zap.Error(ackErr))
			return
		}
		obs.QueueAcknowledged.Inc()
		p.log.Debug("queue entry acknowledged",
			zap.String("component", queueComponent), zap.String("id", entry.ID),
			zap.String("queue", p.queueName))
		return
	}

	if ctx.Err() != nil {
		// Cancelled mid-handler: the lease expires on its own and the entry
		// becomes visible again.
		return
	}

	if entry.DequeueCount < p.opts.MaxDeliveries {
		if rejErr := p.store.Reject(ctx, p.queueName, entry.ID, true); rejErr != nil {
			p.log.Warn("queue requeue failed",
				zap.String("component", queueComponent), zap.String("id", entry.ID), zap.Error(rejErr))
			return
		}
		obs.QueueRejected.Inc()
		p.log.Warn("queue entry requeued after handler failure",
			zap.String("component", queueComponent), zap.String("id", entry.ID),
			zap.Int("dequeue_count", entry.DequeueCount), zap.Error(err))
		return
	}

	if rejErr := p.store.Reject(ctx, p.queueName, entry.ID, false); rejErr != nil {
		p.log.Error("queue discard failed",
			zap.String("component", queueComponent), zap.String("id", entry.ID), zap.Error(rejErr))
		return
	}
	obs.QueueRejected.Inc()

	_, dlqErr := p.dlq.Send(ctx, entry.ID, entry.MessageType, entry.Payload, deadletter.FailureContext{
		Reason:           "delivery attempts exhausted",
		Component:        queueComponent,
		RetryCount:       entry.DequeueCount,
		FailureTime:      p.opts.Clock(),
		ExceptionMessage: err.Error(),
		Metadata:         map[string]any{"queue": p.queueName},
	})
	if dlqErr != nil {
		p.log.Error("queue dead-letter hand-off failed",
			zap.String("component", queueComponent), zap.String("id", entry.ID), zap.Error(dlqErr))
		return
	}
	obs.DeadLettered.WithLabelValues(queueComponent).Inc()
	p.log.Error("queue entry dead-lettered",
		zap.String("component", queueComponent), zap.String("id", entry.ID),
		zap.Int("dequeue_count", entry.DequeueCount), zap.Error(err))
}
