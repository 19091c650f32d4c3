// Copyright 2025 James Ross

// Package saga implements the persistent workflow store (§4.C.6): a typed
// handle over the sagas table with optimistic concurrency on update. Each
// Store is parameterized by the saga's data type and carries a mandatory
// codec; the store never inspects the saga object itself (§9 — no runtime
// reflection, the codec owns the representation).
package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/reliable-messaging-core/internal/connprovider"
	"github.com/flyingrobots/reliable-messaging-core/internal/coreerrors"
	"github.com/flyingrobots/reliable-messaging-core/internal/dialect"
	"github.com/flyingrobots/reliable-messaging-core/internal/schema"
)

const component = "saga"

// DefaultLockTimeout bounds how long an Update transaction waits on the saga
// row lock before giving up (§4.C.6 step 1, §5).
const DefaultLockTimeout = 5 * time.Second

const maxResultsCap = 1000

// Codec encodes and decodes the saga data document. Mandatory: the store has
// no fallback serialization of its own.
type Codec[T any] interface {
	Marshal(data *T) (json.RawMessage, error)
	Unmarshal(raw json.RawMessage) (*T, error)
}

// JSONCodec is the standard codec for saga types that round-trip through
// encoding/json.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Marshal(data *T) (json.RawMessage, error) {
	return json.Marshal(data)
}

func (JSONCodec[T]) Unmarshal(raw json.RawMessage) (*T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Instance is one saga row decoded through the handle's codec. Version is
// the optimistic concurrency token: Update succeeds only while it still
// matches the stored row, and increments both on success.
type Instance[T any] struct {
	CorrelationID string
	CurrentState  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	IsCompleted   bool
	Version       int64
	Data          *T
}

// Store is a typed saga store handle bound to one saga_type.
type Store[T any] struct {
	provider    connprovider.Provider
	init        *schema.Initializer
	schema      string
	table       string
	sagaType    string
	codec       Codec[T]
	lockTimeout time.Duration
}

// New builds a Store for sagaType over the given provider, schema, and
// table. A zero lockTimeout selects DefaultLockTimeout.
func New[T any](provider connprovider.Provider, schemaName, table, sagaType string, codec Codec[T], lockTimeout time.Duration) (*Store[T], error) {
	if err := schema.ValidateIdentifier(component, table); err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, fmt.Errorf("saga: codec is required")
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store[T]{
		provider:    provider,
		init:        schema.NewInitializer(provider),
		schema:      schemaName,
		table:       table,
		sagaType:    sagaType,
		codec:       codec,
		lockTimeout: lockTimeout,
	}, nil
}

func (s *Store[T]) qualifiedTable(d dialect.Dialect) string {
	if s.schema == "" {
		return d.QuoteIdent(s.table)
	}
	return d.QuoteIdent(s.schema) + "." + d.QuoteIdent(s.table)
}

// EnsureSchema runs the idempotent DDL for the sagas table, at most once.
func (s *Store[T]) EnsureSchema(ctx context.Context) error {
	if err := s.init.EnsureSchema(ctx, component, s.schema); err != nil {
		return err
	}
	return s.init.ExecuteScript(ctx, func(d dialect.Dialect) string {
		table := s.qualifiedTable(d)
		jsonType := d.JSONColumnType()
		tsType := d.TimestampColumnType()
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	correlation_id TEXT PRIMARY KEY,
	saga_type TEXT NOT NULL,
	current_state TEXT NOT NULL,
	created_at %s NOT NULL,
	updated_at %s NOT NULL,
	is_completed INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	saga_data %s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_current_state ON %s(current_state);
CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(updated_at);
CREATE INDEX IF NOT EXISTS idx_%s_type_state ON %s(saga_type, current_state);
CREATE INDEX IF NOT EXISTS idx_%s_completed_updated ON %s(is_completed, updated_at);
`, table, tsType, tsType, jsonType,
			s.table, table, s.table, table, s.table, table, s.table, table)
	})
}

// Find returns the saga with the given correlation id, or nil when no row
// of this handle's saga_type exists.
func (s *Store[T]) Find(ctx context.Context, correlationID string) (*Instance[T], error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: correlationID, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`SELECT correlation_id, current_state, created_at, updated_at, is_completed, version, saga_data
		FROM %s WHERE correlation_id = %s AND saga_type = %s`, table, d.Placeholder(1), d.Placeholder(2))
	inst, err := s.scanInstance(ex.QueryRowContext(ctx, query, correlationID, s.sagaType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &coreerrors.SerializationError{Component: component, Key: correlationID, Cause: err}
	}
	return inst, nil
}

// FindByState returns up to maxResults sagas of this type in the given
// state, most recently updated first. maxResults is capped at 1000.
func (s *Store[T]) FindByState(ctx context.Context, state string, maxResults int) ([]Instance[T], error) {
	build := func(d dialect.Dialect) (string, []any) {
		where := fmt.Sprintf("saga_type = %s AND current_state = %s", d.Placeholder(1), d.Placeholder(2))
		return where, []any{s.sagaType, state}
	}
	return s.query(ctx, build, "updated_at DESC", maxResults)
}

// FindStale returns up to maxResults incomplete sagas whose updated_at is
// older than now-olderThan, oldest first. maxResults is capped at 1000.
func (s *Store[T]) FindStale(ctx context.Context, olderThan time.Duration, maxResults int) ([]Instance[T], error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	build := func(d dialect.Dialect) (string, []any) {
		where := fmt.Sprintf("saga_type = %s AND is_completed = %s AND updated_at < %s",
			d.Placeholder(1), boolLiteral(d, false), d.Placeholder(2))
		return where, []any{s.sagaType, cutoff}
	}
	return s.query(ctx, build, "updated_at ASC", maxResults)
}

func (s *Store[T]) query(ctx context.Context, build func(d dialect.Dialect) (string, []any), orderBy string, maxResults int) ([]Instance[T], error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if maxResults <= 0 || maxResults > maxResultsCap {
		maxResults = maxResultsCap
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	where, args := build(d)

	limitClause, limitArgs := d.LimitOffset(maxResults, 0)
	limitClause = renumberPlaceholders(d, limitClause, len(args))
	args = append(args, limitArgs...)

	query := fmt.Sprintf(`SELECT correlation_id, current_state, created_at, updated_at, is_completed, version, saga_data
		FROM %s WHERE %s ORDER BY %s %s`, table, where, orderBy, limitClause)

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	defer rows.Close()

	var out []Instance[T]
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, &coreerrors.SerializationError{Component: component, Key: "", Cause: err}
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// Save inserts a new saga, setting created_at and updated_at to now. A
// pre-existing correlation_id surfaces as a DuplicateError directing the
// caller to Update.
func (s *Store[T]) Save(ctx context.Context, inst *Instance[T]) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	raw, err := s.codec.Marshal(inst.Data)
	if err != nil {
		return &coreerrors.SerializationError{Component: component, Key: inst.CorrelationID, Cause: err}
	}

	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: inst.CorrelationID, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	now := time.Now().UTC()
	query := fmt.Sprintf(`INSERT INTO %s (correlation_id, saga_type, current_state, created_at, updated_at, is_completed, version, saga_data)
		VALUES (%s)`, table, dialect.Placeholders(d, 8))
	_, err = ex.ExecContext(ctx, query, inst.CorrelationID, s.sagaType, inst.CurrentState,
		now, now, inst.IsCompleted, inst.Version, []byte(raw))
	if err != nil {
		if isUniqueViolation(err) {
			return &coreerrors.DuplicateError{Component: component, Key: inst.CorrelationID}
		}
		return &coreerrors.ConnectivityError{Component: component, Key: inst.CorrelationID, Cause: err}
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now
	return nil
}

// Update applies the optimistic concurrency protocol (§4.C.6): lock the row
// NOWAIT under a short lock timeout, compare versions, and write the new
// state with version+1. On success inst.Version and inst.UpdatedAt reflect
// the stored row. A stale caller version raises ConcurrencyConflictError
// and changes nothing.
func (s *Store[T]) Update(ctx context.Context, inst *Instance[T]) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	if s.provider.IsShared() {
		ex, err := s.provider.Acquire(ctx)
		if err != nil {
			return &coreerrors.ConnectivityError{Component: component, Key: inst.CorrelationID, Cause: err}
		}
		return s.updateWith(ctx, ex, inst)
	}

	owned, ok := s.provider.(interface{ DB() *sql.DB })
	if !ok {
		return fmt.Errorf("saga: owned provider must expose DB()")
	}
	tx, err := owned.DB().BeginTx(ctx, s.provider.Dialect().BeginTxOptions())
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: inst.CorrelationID, Cause: err}
	}
	if err := s.updateWith(ctx, tx, inst); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: inst.CorrelationID, Cause: err}
	}
	return nil
}

func (s *Store[T]) updateWith(ctx context.Context, ex connprovider.Execer, inst *Instance[T]) error {
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	if stmt := d.LockTimeoutStatement(s.lockTimeout); stmt != "" {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return &coreerrors.ConnectivityError{Component: component, Key: inst.CorrelationID, Cause: err}
		}
	}

	var stored int64
	err := ex.QueryRowContext(ctx, d.SagaLockSelect(table), inst.CorrelationID, s.sagaType).Scan(&stored)
	if err == sql.ErrNoRows {
		return &coreerrors.NotFoundError{Component: component, Key: inst.CorrelationID}
	}
	if err != nil {
		if isLockTimeout(err) {
			return &coreerrors.TimeoutError{Component: component, Key: inst.CorrelationID, Cause: err}
		}
		return &coreerrors.ConnectivityError{Component: component, Key: inst.CorrelationID, Cause: err}
	}
	if stored != inst.Version {
		return &coreerrors.ConcurrencyConflictError{
			Component: component,
			Key:       inst.CorrelationID,
			Expected:  stored,
			Actual:    inst.Version,
		}
	}

	raw, err := s.codec.Marshal(inst.Data)
	if err != nil {
		return &coreerrors.SerializationError{Component: component, Key: inst.CorrelationID, Cause: err}
	}

	now := time.Now().UTC()
	newVersion := inst.Version + 1
	query := fmt.Sprintf(`UPDATE %s SET current_state = %s, updated_at = %s, is_completed = %s, version = %s, saga_data = %s
		WHERE correlation_id = %s AND saga_type = %s`,
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4), d.Placeholder(5), d.Placeholder(6), d.Placeholder(7))
	if _, err := ex.ExecContext(ctx, query, inst.CurrentState, now, inst.IsCompleted, newVersion, []byte(raw),
		inst.CorrelationID, s.sagaType); err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: inst.CorrelationID, Cause: err}
	}
	inst.Version = newVersion
	inst.UpdatedAt = now
	return nil
}

// Delete removes the saga with the given correlation id.
func (s *Store[T]) Delete(ctx context.Context, correlationID string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: correlationID, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`DELETE FROM %s WHERE correlation_id = %s AND saga_type = %s`, table, d.Placeholder(1), d.Placeholder(2))
	res, err := ex.ExecContext(ctx, query, correlationID, s.sagaType)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: correlationID, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: correlationID, Cause: err}
	}
	if n == 0 {
		return &coreerrors.NotFoundError{Component: component, Key: correlationID}
	}
	return nil
}

// WithProvider returns a Store sharing this one's configuration but bound
// to a different provider (Unit of Work participation, §4.D).
func (s *Store[T]) WithProvider(provider connprovider.Provider) *Store[T] {
	return &Store[T]{
		provider:    provider,
		init:        schema.NewInitializer(provider),
		schema:      s.schema,
		table:       s.table,
		sagaType:    s.sagaType,
		codec:       s.codec,
		lockTimeout: s.lockTimeout,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store[T]) scanInstance(sc scanner) (*Instance[T], error) {
	var inst Instance[T]
	var raw []byte
	if err := sc.Scan(&inst.CorrelationID, &inst.CurrentState, &inst.CreatedAt, &inst.UpdatedAt,
		&inst.IsCompleted, &inst.Version, &raw); err != nil {
		return nil, err
	}
	data, err := s.codec.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	inst.Data = data
	return &inst, nil
}

func boolLiteral(d dialect.Dialect, v bool) string {
	if d.Name() == "mssql" {
		if v {
			return "1"
		}
		return "0"
	}
	if v {
		return "true"
	}
	return "false"
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// isLockTimeout recognizes lib/pq's lock_not_available SQLSTATE (55P03) and
// the generic lock timeout wording the NOWAIT select produces under
// contention.
func isLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "55P03") || strings.Contains(msg, "lock timeout") || strings.Contains(msg, "could not obtain lock")
}

func renumberPlaceholders(d dialect.Dialect, clause string, base int) string {
	if base == 0 {
		return clause
	}
	out := clause
	for n := 9; n >= 1; n-- {
		out = strings.ReplaceAll(out, d.Placeholder(n), d.Placeholder(n+base))
	}
	return out
}
