// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/reliable-messaging-core/internal/queuestore"
)

func TestQueuePollerAcknowledgesOnSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.queue.Enqueue(ctx, "orders", "q-1", "order.created", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	var handled []string
	p := NewQueuePoller(h.queue, h.dlq, "orders", HandlerFunc(func(ctx context.Context, messageType string, payload json.RawMessage) error {
		handled = append(handled, messageType)
		return nil
	}), nil, QueueOptions{Breaker: quietBreaker()})

	p.Sweep(ctx)

	assert.Equal(t, []string{"order.created"}, handled)
	depth, err := h.queue.GetQueueDepth(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "acknowledged entries leave the unacknowledged view")
}

func TestQueuePollerHonorsPriorityOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.queue.Enqueue(ctx, "orders", "low-1", "low.priority", json.RawMessage(`{}`), &queuestore.EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, "orders", "high-1", "high.priority", json.RawMessage(`{}`), &queuestore.EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	var order []string
	p := NewQueuePoller(h.queue, h.dlq, "orders", HandlerFunc(func(ctx context.Context, messageType string, payload json.RawMessage) error {
		order = append(order, messageType)
		return nil
	}), nil, QueueOptions{Breaker: quietBreaker()})

	p.Sweep(ctx)

	assert.Equal(t, []string{"high.priority", "low.priority"}, order)
}

func TestQueuePollerRequeuesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.queue.Enqueue(ctx, "orders", "q-fail", "order.created", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	p := NewQueuePoller(h.queue, h.dlq, "orders", HandlerFunc(func(ctx context.Context, messageType string, payload json.RawMessage) error {
		return errors.New("poison message")
	}), nil, QueueOptions{MaxDeliveries: 2, BatchSize: 1, Breaker: quietBreaker()})

	p.Sweep(ctx) // delivery 1: requeued
	p.Sweep(ctx) // delivery 2: exhausted -> deleted + dead-lettered

	depth, err := h.queue.GetQueueDepth(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	entries, err := h.dlq.Get(ctx, "order.created", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "q-fail", entries[0].ID)
	assert.Equal(t, "Queue", entries[0].Component)
	assert.Equal(t, 2, entries[0].RetryCount)
	assert.Equal(t, "poison message", entries[0].ExceptionMessage)
}

func TestQueuePollerLeavesLeaseOnCancelledHandler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, "orders", "q-cancel", "x", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(ctx)
	p := NewQueuePoller(h.queue, h.dlq, "orders", HandlerFunc(func(ctx context.Context, messageType string, payload json.RawMessage) error {
		cancel()
		return ctx.Err()
	}), nil, QueueOptions{BatchSize: 1, Breaker: quietBreaker()})

	p.Sweep(cancelCtx)

	// The entry is neither acknowledged nor dead-lettered; its lease will
	// expire and expose it again.
	depth, err := h.queue.GetQueueDepth(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	count, err := h.dlq.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
