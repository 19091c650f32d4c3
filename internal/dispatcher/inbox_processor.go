// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/reliable-messaging-core/internal/breaker"
	"github.com/flyingrobots/reliable-messaging-core/internal/deadletter"
	"github.com/flyingrobots/reliable-messaging-core/internal/inbox"
	"github.com/flyingrobots/reliable-messaging-core/internal/model"
	"github.com/flyingrobots/reliable-messaging-core/internal/obs"
)

const inboxComponent = "Inbox"

// InboxOptions tunes the processor loop.
type InboxOptions struct {
	BatchSize    int
	PollInterval time.Duration
	Breaker      BreakerConfig
	Clock        Clock
}

func (o InboxOptions) withDefaults() InboxOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	o.Breaker = o.Breaker.withDefaults()
	if o.Clock == nil {
		o.Clock = defaultClock
	}
	return o
}

// InboxProcessor sweeps Pending inbox entries oldest-first and invokes the
// application handler exactly once per entry (§4.C.3: deduplication happened
// at ingestion; the processor only transitions state). A handler failure is
// terminal for the entry — it is marked Failed and handed to the dead-letter
// store for operator-driven resubmission.
type InboxProcessor struct {
	store   *inbox.Store
	dlq     *deadletter.Store
	handler Handler
	log     *zap.Logger
	cb      *breaker.CircuitBreaker
	opts    InboxOptions
}

// NewInboxProcessor builds a processor over the given stores and handler.
func NewInboxProcessor(store *inbox.Store, dlq *deadletter.Store, handler Handler, log *zap.Logger, opts InboxOptions) *InboxProcessor {
	opts = opts.withDefaults()
	return &InboxProcessor{
		store:   store,
		dlq:     dlq,
		handler: handler,
		log:     nopLogger(log),
		cb:      newBreaker(opts.Breaker),
		opts:    opts,
	}
}

// Run polls until ctx is cancelled.
func (p *InboxProcessor) Run(ctx context.Context) error {
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

// Sweep processes one bounded batch of Pending entries.
func (p *InboxProcessor) Sweep(ctx context.Context) {
	entries, err := p.store.GetUnprocessed(ctx, p.opts.BatchSize)
	if err != nil {
		p.log.Warn("inbox sweep query failed", zap.String("component", inboxComponent), zap.Error(err))
		return
	}
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		p.process(ctx, &entries[i])
	}
}

func (p *InboxProcessor) process(ctx context.Context, entry *model.InboxEntry) {
	start := time.Now()
	err := p.handler.Handle(ctx, entry.MessageType, entry.Payload)
	obs.HandlerDuration.Observe(time.Since(start).Seconds())
	recordBreaker(p.cb, inboxComponent, err == nil)

	if err == nil {
		if markErr := p.store.MarkProcessed(ctx, entry.ID); markErr != nil {
			p.log.Warn("inbox mark processed failed",
				zap.String("component", inboxComponent), zap.String("id", entry.ID), zap.Error(markErr))
			return
		}
		obs.InboxProcessed.Inc()
		p.log.Debug("inbox entry processed",
			zap.String("component", inboxComponent), zap.String("id", entry.ID))
		return
	}

	if ctx.Err() != nil {
		// Cancelled mid-handler: the entry stays Pending for the next sweep.
		return
	}

	if markErr := p.store.MarkFailed(ctx, entry.ID, err); markErr != nil {
		p.log.Error("inbox mark failed failed",
			zap.String("component", inboxComponent), zap.String("id", entry.ID), zap.Error(markErr))
		return
	}
	obs.InboxFailed.Inc()

	_, dlqErr := p.dlq.Send(ctx, entry.ID, entry.MessageType, entry.Payload, deadletter.FailureContext{
		Reason:           "handler failed",
		Component:        inboxComponent,
		FailureTime:      p.opts.Clock(),
		ExceptionMessage: err.Error(),
		Metadata:         map[string]any{"source": entry.Source},
	})
	if dlqErr != nil {
		p.log.Error("inbox dead-letter hand-off failed",
			zap.String("component", inboxComponent), zap.String("id", entry.ID), zap.Error(dlqErr))
		return
	}
	obs.DeadLettered.WithLabelValues(inboxComponent).Inc()
	p.log.Error("inbox entry dead-lettered",
		zap.String("component", inboxComponent), zap.String("id", entry.ID), zap.Error(err))
}
