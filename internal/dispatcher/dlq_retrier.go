// Copyright 2025 James Ross
package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/flyingrobots/reliable-messaging-core/internal/deadletter"
	"github.com/flyingrobots/reliable-messaging-core/internal/model"
	"github.com/flyingrobots/reliable-messaging-core/internal/obs"
)

const dlqComponent = "DeadLetter"

// Resubmit re-injects a dead-lettered message into the system — typically
// by re-adding it to the outbox or re-enqueueing it. Supplied by the
// operator tooling that drives the retrier.
type Resubmit func(ctx context.Context, entry model.DeadLetterEntry) error

// DLQRetrier performs operator-driven resubmission of Active dead-letter
// entries (§4.E — on-demand, not a polling loop).
type DLQRetrier struct {
	store    *deadletter.Store
	resubmit Resubmit
	log      *zap.Logger
}

// NewDLQRetrier builds a retrier over the dead-letter store.
func NewDLQRetrier(store *deadletter.Store, resubmit Resubmit, log *zap.Logger) *DLQRetrier {
	return &DLQRetrier{store: store, resubmit: resubmit, log: nopLogger(log)}
}

// RetryBatch resubmits up to limit Active entries of the given message type
// and marks each successfully resubmitted entry Retried. Returns the number
// resubmitted. Entries whose resubmission fails stay Active.
func (r *DLQRetrier) RetryBatch(ctx context.Context, messageType string, limit int) (int, error) {
	entries, err := r.store.Get(ctx, messageType, limit)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
		if err := r.resubmit(ctx, entry); err != nil {
			r.log.Warn("dead-letter resubmission failed",
				zap.String("component", dlqComponent), zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		if err := r.store.Retry(ctx, entry.ID); err != nil {
			r.log.Error("dead-letter transition failed after resubmission",
				zap.String("component", dlqComponent), zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		obs.DeadLetterRetried.Inc()
		retried++
		r.log.Info("dead-letter entry resubmitted",
			zap.String("component", dlqComponent), zap.String("id", entry.ID),
			zap.String("message_type", entry.MessageType))
	}
	return retried, nil
}

// RetryOne resubmits a single entry by id, fetching it through the Active
// view of its message type.
func (r *DLQRetrier) RetryOne(ctx context.Context, messageType, id string) error {
	entries, err := r.store.Get(ctx, messageType, 1000)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.ID != id {
			continue
		}
		if err := r.resubmit(ctx, entry); err != nil {
			return err
		}
		if err := r.store.Retry(ctx, entry.ID); err != nil {
			return err
		}
		obs.DeadLetterRetried.Inc()
		return nil
	}
	return r.store.Retry(ctx, id) // surfaces NotFound / InvalidTransition
}
