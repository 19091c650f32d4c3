// Copyright 2025 James Ross

// Package outbox implements the transactional outbox store (§4.C.2): it
// records outbound messages in the same transaction as the business write
// that produced them, and exposes the pending/failed views a dispatcher
// polls to achieve at-least-once delivery.
package outbox

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
	"github.com/flyingrobots/reliable-messaging-core/internal/idgen"
	"github.com/flyingrobots/reliable-messaging-core/internal/model"
	"github.com/flyingrobots/reliable-messaging-core/internal/schema"
)

const component = "outbox"

// AddOptions configures a single Add call.
type AddOptions struct {
	Destination string
	MaxRetries  int // 0 means "use the store default" (3)
}

const defaultMaxRetries = 3

// PendingQuery filters GetPending. A zero value selects Pending entries
// with no time bound.
type PendingQuery struct {
	Status    model.OutboxStatus
	OlderThan *time.Time
	NewerThan *time.Time
	Limit     int
}

// Store is the outbox store handle.
type Store struct {
	provider connprovider.Provider
	init     *schema.Initializer
	schema   string
	table    string
}

// New builds a Store bound to the given provider, schema, and table.
func New(provider connprovider.Provider, schemaName, table string) (*Store, error) {
	if err := schema.ValidateIdentifier(component, table); err != nil {
		return nil, err
	}
	return &Store{
		provider: provider,
		init:     schema.NewInitializer(provider),
		schema:   schemaName,
		table:    table,
	}, nil
}

func (s *Store) qualifiedTable(d dialect.Dialect) string {
	if s.schema == "" {
		return d.QuoteIdent(s.table)
	}
	return d.QuoteIdent(s.schema) + "." + d.QuoteIdent(s.table)
}

// EnsureSchema runs the idempotent DDL for the outbox table, at most once.
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
	id TEXT PRIMARY KEY,
	message_type TEXT NOT NULL,
	payload %s NOT NULL,
	destination TEXT,
	status TEXT NOT NULL DEFAULT 'Pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	created_at %s NOT NULL,
	processed_at %s,
	next_retry_at %s,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status);
CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s(created_at);
`, table, jsonType, tsType, tsType, tsType, s.table, table, s.table, table)
	})
}

// Add inserts a new Pending entry and returns it. An empty id gets a
// generated one.
func (s *Store) Add(ctx context.Context, messageType string, payload json.RawMessage, id string, opts *AddOptions) (*model.OutboxEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if id == "" {
		id = idgen.New()
	}
	entry := model.OutboxEntry{
		ID:          id,
		MessageType: messageType,
		Payload:     payload,
		Status:      model.OutboxPending,
		MaxRetries:  defaultMaxRetries,
		CreatedAt:   time.Now().UTC(),
	}
	if opts != nil {
		if opts.Destination != "" {
			entry.Destination = opts.Destination
		}
		if opts.MaxRetries > 0 {
			entry.MaxRetries = opts.MaxRetries
		}
	}

	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: entry.ID, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`INSERT INTO %s (id, message_type, payload, destination, status, retry_count, max_retries, created_at)
		VALUES (%s)`, table, dialect.Placeholders(d, 8))
	_, err = ex.ExecContext(ctx, query, entry.ID, entry.MessageType, []byte(entry.Payload),
		nullableString(entry.Destination), string(entry.Status), entry.RetryCount, entry.MaxRetries, entry.CreatedAt)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: entry.ID, Cause: err}
	}
	return &entry, nil
}

// GetPending returns entries matching query, ordered by created_at ASC
// (FIFO dispatch, §4.C.2).
func (s *Store) GetPending(ctx context.Context, query PendingQuery) ([]model.OutboxEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	status := query.Status
	if status == "" {
		status = model.OutboxPending
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	args := []any{string(status)}
	where := fmt.Sprintf("status = %s", d.Placeholder(1))
	if query.OlderThan != nil {
		args = append(args, *query.OlderThan)
		where += fmt.Sprintf(" AND created_at < %s", d.Placeholder(len(args)))
	}
	if query.NewerThan != nil {
		args = append(args, *query.NewerThan)
		where += fmt.Sprintf(" AND created_at > %s", d.Placeholder(len(args)))
	}

	limitClause, limitArgs := d.LimitOffset(limit, 0)
	limitClause = renumberPlaceholders(d, limitClause, len(args))
	args = append(args, limitArgs...)

	sqlText := fmt.Sprintf(`SELECT id, message_type, payload, destination, status, retry_count, max_retries,
		created_at, processed_at, next_retry_at, last_error
		FROM %s WHERE %s ORDER BY created_at ASC %s`, table, where, limitClause)

	rows, err := ex.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	defer rows.Close()

	var out []model.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, &coreerrors.SerializationError{Component: component, Key: "", Cause: err}
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// GetFailed returns up to limit entries with Failed status, oldest first
// (created_at ASC, as GetPending orders them).
func (s *Store) GetFailed(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	return s.GetPending(ctx, PendingQuery{Status: model.OutboxFailed, Limit: limit})
}

// GetPendingCount returns the number of Pending entries.
func (s *Store) GetPendingCount(ctx context.Context) (int64, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	var n int64
	err = ex.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = %s`, table, d.Placeholder(1)),
		string(model.OutboxPending)).Scan(&n)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return n, nil
}

// MarkProcessed transitions id to Processed (terminal).
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`UPDATE %s SET status = %s, processed_at = %s WHERE id = %s`,
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	res, err := ex.ExecContext(ctx, query, string(model.OutboxProcessed), time.Now().UTC(), id)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	return checkRowFound(component, id, res)
}

// MarkFailed transitions id to Failed (terminal) and records the error.
func (s *Store) MarkFailed(ctx context.Context, id string, failure error) error {
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`UPDATE %s SET status = %s, last_error = %s WHERE id = %s`,
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	res, err := ex.ExecContext(ctx, query, string(model.OutboxFailed), failure.Error(), id)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	return checkRowFound(component, id, res)
}

// UpdateRetryCount records an intermediate retry transition. The dispatcher
// (§4.E) computes the backoff schedule; this store only records it.
func (s *Store) UpdateRetryCount(ctx context.Context, id string, count int, nextRetryAt *time.Time) error {
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`UPDATE %s SET retry_count = %s, next_retry_at = %s WHERE id = %s`,
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	res, err := ex.ExecContext(ctx, query, count, nextRetryAt, id)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	return checkRowFound(component, id, res)
}

// WithProvider returns a Store sharing this one's table/schema but bound to
// a different provider, used to make the outbox participate in an outer
// Unit of Work's transaction (§4.D).
func (s *Store) WithProvider(provider connprovider.Provider) *Store {
	return &Store{provider: provider, init: schema.NewInitializer(provider), schema: s.schema, table: s.table}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowFound(component, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	if n == 0 {
		return &coreerrors.NotFoundError{Component: component, Key: id}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*model.OutboxEntry, error) {
	var e model.OutboxEntry
	var payload []byte
	var destination, status, lastError sql.NullString
	var processedAt, nextRetryAt sql.NullTime

	if err := sc.Scan(&e.ID, &e.MessageType, &payload, &destination, &status, &e.RetryCount, &e.MaxRetries,
		&e.CreatedAt, &processedAt, &nextRetryAt, &lastError); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.Destination = destination.String
	e.Status = model.OutboxStatus(status.String)
	e.LastError = lastError.String
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		e.NextRetryAt = &t
	}
	return &e, nil
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
