// Copyright 2025 James Ross

// Package idempotency implements the response memoization store (§4.C.7):
// handler outcomes keyed by a client-supplied idempotency key, each with its
// own TTL. Expired rows are invisible to readers; cleanup is explicit.
package idempotency

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
	"github.com/flyingrobots/reliable-messaging-core/internal/model"
	"github.com/flyingrobots/reliable-messaging-core/internal/schema"
)

const component = "idempotency"

// Failure is the recorded outcome of a failed handler invocation. Type is a
// registry tag chosen by the caller's serializer collaborator, never derived
// by reflection here (§9).
type Failure struct {
	Type       string
	Message    string
	StackTrace string
}

// Clock supplies the current time; injectable so tests can advance past a
// TTL without sleeping (§6.3).
type Clock func() time.Time

// Store is the idempotency store handle.
type Store struct {
	provider connprovider.Provider
	init     *schema.Initializer
	schema   string
	table    string
	now      Clock
}

// New builds a Store bound to the given provider, schema, and table. A nil
// clock uses UTC wall time.
func New(provider connprovider.Provider, schemaName, table string, now Clock) (*Store, error) {
	if err := schema.ValidateIdentifier(component, table); err != nil {
		return nil, err
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		provider: provider,
		init:     schema.NewInitializer(provider),
		schema:   schemaName,
		table:    table,
		now:      now,
	}, nil
}

func (s *Store) qualifiedTable(d dialect.Dialect) string {
	if s.schema == "" {
		return d.QuoteIdent(s.table)
	}
	return d.QuoteIdent(s.schema) + "." + d.QuoteIdent(s.table)
}

// EnsureSchema runs the idempotent DDL for the idempotency_responses table,
// at most once.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.init.EnsureSchema(ctx, component, s.schema); err != nil {
		return err
	}
	return s.init.ExecuteScript(ctx, func(d dialect.Dialect) string {
		table := s.qualifiedTable(d)
		jsonType := d.JSONColumnType()
		tsType := d.TimestampColumnType()
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	idempotency_key TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	success_result %s,
	failure_type TEXT,
	failure_message TEXT,
	failure_stack_trace TEXT,
	stored_at %s NOT NULL,
	expires_at %s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s(expires_at);
`, table, jsonType, tsType, tsType, s.table, table)
	})
}

// Get returns the non-expired response stored under key, or nil.
func (s *Store) Get(ctx context.Context, key string) (*model.IdempotencyResponse, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: key, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`SELECT idempotency_key, status, success_result, failure_type, failure_message, failure_stack_trace, stored_at, expires_at
		FROM %s WHERE idempotency_key = %s AND expires_at > %s`, table, d.Placeholder(1), d.Placeholder(2))
	resp, err := scanResponse(ex.QueryRowContext(ctx, query, key, s.now()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &coreerrors.SerializationError{Component: component, Key: key, Cause: err}
	}
	return resp, nil
}

// Exists reports whether a non-expired response is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return false, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return false, &coreerrors.ConnectivityError{Component: component, Key: key, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE idempotency_key = %s AND expires_at > %s`,
		table, d.Placeholder(1), d.Placeholder(2))
	if err := ex.QueryRowContext(ctx, query, key, s.now()).Scan(&n); err != nil {
		return false, &coreerrors.ConnectivityError{Component: component, Key: key, Cause: err}
	}
	return n > 0, nil
}

// StoreSuccess upserts a Success response under key, valid for ttl. Any
// prior failure fields on the row are cleared (§3.7 — the upsert overwrites
// status and result atomically).
func (s *Store) StoreSuccess(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	now := s.now()
	resp := model.IdempotencyResponse{
		IdempotencyKey: key,
		Status:         model.IdempotencySuccess,
		SuccessResult:  result,
		StoredAt:       now,
		ExpiresAt:      now.Add(ttl),
	}
	return s.upsert(ctx, &resp)
}

// StoreFailure upserts a Failure response under key, valid for ttl. Any
// prior success result on the row is cleared.
func (s *Store) StoreFailure(ctx context.Context, key string, failure Failure, ttl time.Duration) error {
	now := s.now()
	resp := model.IdempotencyResponse{
		IdempotencyKey:    key,
		Status:            model.IdempotencyFailure,
		FailureType:       failure.Type,
		FailureMessage:    failure.Message,
		FailureStackTrace: failure.StackTrace,
		StoredAt:          now,
		ExpiresAt:         now.Add(ttl),
	}
	return s.upsert(ctx, &resp)
}

// upsert is an update-then-insert so the SQL stays dialect-portable (no
// ON CONFLICT vs MERGE split). A concurrent insert between the two
// statements surfaces as a unique violation and falls back to the update.
func (s *Store) upsert(ctx context.Context, resp *model.IdempotencyResponse) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: resp.IdempotencyKey, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	n, err := s.update(ctx, ex, d, table, resp)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (idempotency_key, status, success_result, failure_type, failure_message, failure_stack_trace, stored_at, expires_at)
		VALUES (%s)`, table, dialect.Placeholders(d, 8))
	_, err = ex.ExecContext(ctx, query, resp.IdempotencyKey, string(resp.Status),
		nullableBytes(resp.SuccessResult), nullableString(resp.FailureType), nullableString(resp.FailureMessage),
		nullableString(resp.FailureStackTrace), resp.StoredAt, resp.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			_, err = s.update(ctx, ex, d, table, resp)
			return err
		}
		return &coreerrors.ConnectivityError{Component: component, Key: resp.IdempotencyKey, Cause: err}
	}
	return nil
}

func (s *Store) update(ctx context.Context, ex connprovider.Execer, d dialect.Dialect, table string, resp *model.IdempotencyResponse) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = %s, success_result = %s, failure_type = %s, failure_message = %s,
		failure_stack_trace = %s, stored_at = %s, expires_at = %s WHERE idempotency_key = %s`,
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4),
		d.Placeholder(5), d.Placeholder(6), d.Placeholder(7), d.Placeholder(8))
	res, err := ex.ExecContext(ctx, query, string(resp.Status),
		nullableBytes(resp.SuccessResult), nullableString(resp.FailureType), nullableString(resp.FailureMessage),
		nullableString(resp.FailureStackTrace), resp.StoredAt, resp.ExpiresAt, resp.IdempotencyKey)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: resp.IdempotencyKey, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: resp.IdempotencyKey, Cause: err}
	}
	return n, nil
}

// CleanupExpired deletes rows whose expires_at has passed and returns how
// many were removed.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	res, err := ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= %s`, table, d.Placeholder(1)), s.now())
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return n, nil
}

// WithProvider returns a Store sharing this one's table/schema/clock but
// bound to a different provider (Unit of Work participation, §4.D).
func (s *Store) WithProvider(provider connprovider.Provider) *Store {
	return &Store{provider: provider, init: schema.NewInitializer(provider), schema: s.schema, table: s.table, now: s.now}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

func scanResponse(row *sql.Row) (*model.IdempotencyResponse, error) {
	var resp model.IdempotencyResponse
	var status string
	var result []byte
	var failureType, failureMessage, failureStackTrace sql.NullString

	if err := row.Scan(&resp.IdempotencyKey, &status, &result, &failureType, &failureMessage,
		&failureStackTrace, &resp.StoredAt, &resp.ExpiresAt); err != nil {
		return nil, err
	}
	resp.Status = model.IdempotencyStatus(status)
	resp.SuccessResult = json.RawMessage(result)
	resp.FailureType = failureType.String
	resp.FailureMessage = failureMessage.String
	resp.FailureStackTrace = failureStackTrace.String
	return &resp, nil
}
