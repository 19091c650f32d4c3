// Copyright 2025 James Ross

// Package dispatcher implements the background workers (§4.E): the outbox
// publisher, inbox processor, queue poller, and dead-letter retrier. Each
// follows the same skeleton — sleep, poll a bounded batch, invoke the
// downstream handler, transition state — with exponential-full-jitter
// backoff between retries and a circuit breaker pausing the loop when the
// downstream is persistently failing.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/reliable-messaging-core/internal/breaker"
	"github.com/flyingrobots/reliable-messaging-core/internal/obs"
)

// Handler processes one message. Implementations are supplied by the host
// application; the dispatcher classifies failures and owns the retry policy
// (§4.C.2 — stores record transitions, dispatchers decide them).
type Handler interface {
	Handle(ctx context.Context, messageType string, payload json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, messageType string, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, messageType string, payload json.RawMessage) error {
	return f(ctx, messageType, payload)
}

// Transport delivers a published outbox entry to its destination (§6.3).
type Transport interface {
	Send(ctx context.Context, destination string, payload json.RawMessage) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, destination string, payload json.RawMessage) error

func (f TransportFunc) Send(ctx context.Context, destination string, payload json.RawMessage) error {
	return f(ctx, destination, payload)
}

// Clock supplies the current time; injectable for deterministic tests.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now().UTC() }

// BreakerConfig tunes the sliding-window circuit breaker each dispatcher
// wraps around its handler invocations.
type BreakerConfig struct {
	Window           time.Duration
	Cooldown         time.Duration
	FailureThreshold float64
	MinSamples       int
	Pause            time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 20
	}
	if c.Pause <= 0 {
		c.Pause = 100 * time.Millisecond
	}
	return c
}

func newBreaker(c BreakerConfig) *breaker.CircuitBreaker {
	return breaker.New(c.Window, c.Cooldown, c.FailureThreshold, c.MinSamples)
}

// recordBreaker feeds one handler outcome to the breaker and keeps the state
// gauge and trip counter current, the way the queue worker loop does.
func recordBreaker(cb *breaker.CircuitBreaker, name string, ok bool) {
	prev := cb.State()
	cb.Record(ok)
	curr := cb.State()
	if prev != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(name).Inc()
	}
	obs.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(curr))
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func nopLogger(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
