// Copyright 2025 James Ross

// Package mediator sits in front of handler invocation (§4.F): it consults
// the idempotency store before calling the handler, replays memoized
// outcomes, and records fresh ones under the caller-supplied key.
package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/reliable-messaging-core/internal/idempotency"
	"github.com/flyingrobots/reliable-messaging-core/internal/model"
)

const component = "mediator"

// DefaultSuccessTTL and DefaultFailureTTL are the cache lifetimes applied
// when the caller does not override them (§4.F).
const (
	DefaultSuccessTTL = 7 * 24 * time.Hour
	DefaultFailureTTL = time.Hour
)

// Invoker is the wrapped handler invocation. It returns the serialized
// result the mediator memoizes; serialization is the caller's concern
// (§6.3 — the Serializer collaborator owns type information).
type Invoker func(ctx context.Context) (json.RawMessage, error)

// FailureTyper lets a handler error carry its registry tag, so the stored
// failure_type round-trips without the mediator inspecting types (§9).
type FailureTyper interface {
	FailureType() string
}

// ReplayedFailure is the reconstructed error returned when a memoized
// failure is replayed: it holds the original failure's registry tag and
// message, not a live error value.
type ReplayedFailure struct {
	Type    string
	Message string
}

func (e *ReplayedFailure) Error() string {
	return fmt.Sprintf("%s: replayed failure %s: %s", component, e.Type, e.Message)
}

// Options tunes a Mediator's default TTLs.
type Options struct {
	SuccessTTL time.Duration
	FailureTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.SuccessTTL <= 0 {
		o.SuccessTTL = DefaultSuccessTTL
	}
	if o.FailureTTL <= 0 {
		o.FailureTTL = DefaultFailureTTL
	}
	return o
}

// Mediator wraps handler invocations with response memoization.
type Mediator struct {
	store *idempotency.Store
	log   *zap.Logger
	opts  Options
}

// New builds a Mediator over the idempotency store.
func New(store *idempotency.Store, log *zap.Logger, opts Options) *Mediator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mediator{store: store, log: log, opts: opts.withDefaults()}
}

// Invoke runs the handler at most once per key within the configured TTLs.
// A memoized success returns its result directly; a memoized failure
// returns a ReplayedFailure carrying the original type and message.
func (m *Mediator) Invoke(ctx context.Context, key string, invoke Invoker) (json.RawMessage, error) {
	return m.InvokeWithTTLs(ctx, key, invoke, m.opts.SuccessTTL, m.opts.FailureTTL)
}

// InvokeWithTTLs is Invoke with per-call cache lifetimes.
func (m *Mediator) InvokeWithTTLs(ctx context.Context, key string, invoke Invoker, successTTL, failureTTL time.Duration) (json.RawMessage, error) {
	resp, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		if resp.Status == model.IdempotencySuccess {
			m.log.Debug("idempotent success replayed",
				zap.String("component", component), zap.String("idempotency_key", key))
			return resp.SuccessResult, nil
		}
		m.log.Debug("idempotent failure replayed",
			zap.String("component", component), zap.String("idempotency_key", key),
			zap.String("failure_type", resp.FailureType))
		return nil, &ReplayedFailure{Type: resp.FailureType, Message: resp.FailureMessage}
	}

	result, err := invoke(ctx)
	if err == nil {
		if storeErr := m.store.StoreSuccess(ctx, key, result, successTTL); storeErr != nil {
			return nil, storeErr
		}
		return result, nil
	}

	// A cancelled invocation is not a handler outcome; memoizing it would
	// replay "cancelled" to every caller for the failure TTL.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, err
	}

	failure := idempotency.Failure{Type: failureType(err), Message: err.Error()}
	if storeErr := m.store.StoreFailure(ctx, key, failure, failureTTL); storeErr != nil {
		m.log.Warn("failure memoization failed",
			zap.String("component", component), zap.String("idempotency_key", key), zap.Error(storeErr))
	}
	return nil, err
}

func failureType(err error) string {
	var ft FailureTyper
	if errors.As(err, &ft) {
		return ft.FailureType()
	}
	return "Error"
}
