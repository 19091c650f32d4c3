// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/reliable-messaging-core/internal/model"
	"github.com/flyingrobots/reliable-messaging-core/internal/outbox"
)

func TestOutboxHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.outbox.Add(ctx, "order.created", json.RawMessage(`{"x":1}`), "m1", &outbox.AddOptions{MaxRetries: 3})
	require.NoError(t, err)

	var sent atomic.Int32
	p := NewOutboxPublisher(h.outbox, h.dlq, TransportFunc(func(ctx context.Context, destination string, payload json.RawMessage) error {
		sent.Add(1)
		return nil
	}), nil, OutboxOptions{Breaker: quietBreaker()})

	p.Sweep(ctx)

	assert.Equal(t, int32(1), sent.Load())

	pending, err := h.outbox.GetPending(ctx, outbox.PendingQuery{})
	require.NoError(t, err)
	assert.Empty(t, pending)

	processed, err := h.outbox.GetPending(ctx, outbox.PendingQuery{Status: model.OutboxProcessed})
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, "m1", processed[0].ID)
	assert.NotNil(t, processed[0].ProcessedAt)
	assert.Equal(t, 0, processed[0].RetryCount)
}

func TestOutboxRetryThenFailDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.outbox.Add(ctx, "order.created", json.RawMessage(`{}`), "m2", &outbox.AddOptions{MaxRetries: 2})
	require.NoError(t, err)

	boom := errors.New("destination unreachable")
	p := NewOutboxPublisher(h.outbox, h.dlq, TransportFunc(func(ctx context.Context, destination string, payload json.RawMessage) error {
		return boom
	}), nil, OutboxOptions{
		Breaker: quietBreaker(),
		Backoff: Backoff{Rand: func() float64 { return 0 }}, // due immediately
	})

	p.Sweep(ctx) // retry 0 -> 1
	p.Sweep(ctx) // retry 1 -> 2
	p.Sweep(ctx) // retries exhausted -> Failed + DLQ

	failed, err := h.outbox.GetFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m2", failed[0].ID)
	assert.Equal(t, 2, failed[0].RetryCount)
	assert.Equal(t, "destination unreachable", failed[0].LastError)

	entries, err := h.dlq.Get(ctx, "order.created", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m2", entries[0].ID)
	assert.Equal(t, model.DeadLetterActive, entries[0].Status)
	assert.Equal(t, "Outbox", entries[0].Component)
	assert.Equal(t, 2, entries[0].RetryCount)
	assert.Equal(t, "destination unreachable", entries[0].ExceptionMessage)
}

func TestOutboxSkipsEntriesNotYetDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.outbox.Add(ctx, "x", json.RawMessage(`{}`), "due-later", nil)
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, h.outbox.UpdateRetryCount(ctx, "due-later", 1, &future))

	var sent atomic.Int32
	p := NewOutboxPublisher(h.outbox, h.dlq, TransportFunc(func(ctx context.Context, destination string, payload json.RawMessage) error {
		sent.Add(1)
		return nil
	}), nil, OutboxOptions{Breaker: quietBreaker()})

	p.Sweep(ctx)

	assert.Equal(t, int32(0), sent.Load(), "entry with a future next_retry_at is not published")

	pending, err := h.outbox.GetPending(ctx, outbox.PendingQuery{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount, "retry accounting untouched by the skip")
}

func TestOutboxPublishesFIFO(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, id := range []string{"f1", "f2", "f3"} {
		_, err := h.outbox.Add(ctx, "x", json.RawMessage(`{}`), id, &outbox.AddOptions{Destination: "dest-" + id})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	var order []string
	p := NewOutboxPublisher(h.outbox, h.dlq, TransportFunc(func(ctx context.Context, destination string, payload json.RawMessage) error {
		order = append(order, destination)
		return nil
	}), nil, OutboxOptions{Breaker: quietBreaker()})

	p.Sweep(ctx)

	assert.Equal(t, []string{"dest-f1", "dest-f2", "dest-f3"}, order, "dispatch order is created_at ascending")

	count, err := h.outbox.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestOutboxRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)

	p := NewOutboxPublisher(h.outbox, h.dlq, TransportFunc(func(ctx context.Context, destination string, payload json.RawMessage) error {
		return nil
	}), nil, OutboxOptions{PollInterval: 5 * time.Millisecond, Breaker: quietBreaker()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop on cancellation")
	}
}
