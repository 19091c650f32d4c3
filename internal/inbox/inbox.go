// Copyright 2025 James Ross

// Package inbox implements the inbox / deduplication store (§4.C.3): it
// records inbound messages once. Add checks for an existing row before a
// plain insert; when a concurrent delivery attempt inserts first, the
// resulting primary-key violation is reported as a duplicate, not an error.
package inbox

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

const component = "inbox"

// AddOptions configures a single Add call.
type AddOptions struct {
	Source              string
	RequireIdempotency  bool
	DeduplicationWindow *time.Duration
}

// Query filters GetPending/GetUnprocessed.
type Query struct {
	Status      model.InboxStatus
	NewestFirst bool
	Limit       int
}

// Store is the inbox store handle.
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

// EnsureSchema runs the idempotent DDL for the inbox table, at most once.
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
	source TEXT,
	status TEXT NOT NULL DEFAULT 'Pending',
	received_at %s NOT NULL,
	processed_at %s,
	error TEXT,
	require_idempotency INTEGER NOT NULL DEFAULT 1,
	deduplication_window_minutes INTEGER
);
CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status);
CREATE INDEX IF NOT EXISTS idx_%s_received_at ON %s(received_at);
`, table, jsonType, tsType, tsType, s.table, table, s.table, table)
	})
}

// Add inserts a new Pending entry for id, unless a row with the same id
// already exists within the deduplication window, in which case it returns
// (nil, nil) — duplicates are a normal, not-exceptional outcome (§9).
func (s *Store) Add(ctx context.Context, id, messageType string, payload json.RawMessage, opts *AddOptions) (*model.InboxEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	window := time.Duration(0)
	if opts != nil && opts.DeduplicationWindow != nil {
		window = *opts.DeduplicationWindow
	}
	dup, err := s.IsDuplicate(ctx, id, window)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}

	entry := model.InboxEntry{
		ID:                 id,
		MessageType:        messageType,
		Payload:            payload,
		Status:             model.InboxPending,
		ReceivedAt:         time.Now().UTC(),
		RequireIdempotency: true,
	}
	if opts != nil {
		entry.Source = opts.Source
		entry.RequireIdempotency = opts.RequireIdempotency
		entry.DeduplicationWindow = opts.DeduplicationWindow
	}

	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	var windowMinutes any
	if entry.DeduplicationWindow != nil {
		windowMinutes = int64(entry.DeduplicationWindow.Minutes())
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, message_type, payload, source, status, received_at, require_idempotency, deduplication_window_minutes)
		VALUES (%s)`, table, dialect.Placeholders(d, 8))
	_, err = ex.ExecContext(ctx, query, entry.ID, entry.MessageType, []byte(entry.Payload),
		nullableString(entry.Source), string(entry.Status), entry.ReceivedAt, entry.RequireIdempotency, windowMinutes)
	if err != nil {
		// A uniqueness violation here means a concurrent Add won the race
		// between our IsDuplicate check and this insert; treat it the same
		// as a detected duplicate rather than surfacing the driver error.
		if isUniqueViolation(err) {
			return nil, nil
		}
		return nil, &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	return &entry, nil
}

// IsDuplicate reports whether id is already present, optionally restricted
// to rows received within window of now.
func (s *Store) IsDuplicate(ctx context.Context, id string, window time.Duration) (bool, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return false, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return false, &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	args := []any{id}
	where := fmt.Sprintf("id = %s", d.Placeholder(1))
	if window > 0 {
		args = append(args, time.Now().UTC().Add(-window))
		where += fmt.Sprintf(" AND received_at >= %s", d.Placeholder(2))
	}

	var n int
	err = ex.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, where), args...).Scan(&n)
	if err != nil {
		return false, &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	return n > 0, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (*model.InboxEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`SELECT id, message_type, payload, source, status, received_at, processed_at, error,
		require_idempotency, deduplication_window_minutes FROM %s WHERE id = %s`, table, d.Placeholder(1))
	row := ex.QueryRowContext(ctx, query, id)
	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &coreerrors.NotFoundError{Component: component, Key: id}
		}
		return nil, &coreerrors.SerializationError{Component: component, Key: id, Cause: err}
	}
	return entry, nil
}

// MarkProcessed transitions id to Processed.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.InboxProcessed, "")
}

// MarkFailed transitions id to Failed and records the error text.
func (s *Store) MarkFailed(ctx context.Context, id string, failure error) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	return s.transition(ctx, id, model.InboxFailed, msg)
}

func (s *Store) transition(ctx context.Context, id string, status model.InboxStatus, errMsg string) error {
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`UPDATE %s SET status = %s, processed_at = %s, error = %s WHERE id = %s`,
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4))
	res, err := ex.ExecContext(ctx, query, string(status), time.Now().UTC(), nullableString(errMsg), id)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	if n == 0 {
		return &coreerrors.NotFoundError{Component: component, Key: id}
	}
	return nil
}

// GetPending returns entries matching query.
func (s *Store) GetPending(ctx context.Context, query Query) ([]model.InboxEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	status := query.Status
	if status == "" {
		status = model.InboxPending
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

	dir := "ASC"
	if query.NewestFirst {
		dir = "DESC"
	}
	limitClause, limitArgs := d.LimitOffset(limit, 0)
	limitClause = renumberPlaceholders(d, limitClause, 1)

	sqlText := fmt.Sprintf(`SELECT id, message_type, payload, source, status, received_at, processed_at, error,
		require_idempotency, deduplication_window_minutes
		FROM %s WHERE status = %s ORDER BY received_at %s %s`, table, d.Placeholder(1), dir, limitClause)

	args := append([]any{string(status)}, limitArgs...)
	rows, err := ex.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	defer rows.Close()

	var out []model.InboxEntry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, &coreerrors.SerializationError{Component: component, Key: "", Cause: err}
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// GetUnprocessed returns up to limit entries still Pending, oldest first
// (the processing order; operator triage views sort newest-first by
// passing Query{NewestFirst: true} directly to GetPending).
func (s *Store) GetUnprocessed(ctx context.Context, limit int) ([]model.InboxEntry, error) {
	return s.GetPending(ctx, Query{Status: model.InboxPending, Limit: limit})
}

// GetUnprocessedCount returns the number of Pending entries.
func (s *Store) GetUnprocessedCount(ctx context.Context) (int64, error) {
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
		string(model.InboxPending)).Scan(&n)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return n, nil
}

// CleanupOldEntries purges terminal-status rows (Processed or Failed)
// received before olderThan. Pending rows are never purged (§4.C.3).
func (s *Store) CleanupOldEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`DELETE FROM %s WHERE status != %s AND received_at < %s`,
		table, d.Placeholder(1), d.Placeholder(2))
	res, err := ex.ExecContext(ctx, query, string(model.InboxPending), olderThan)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return n, nil
}

// WithProvider returns a Store sharing this one's table/schema but bound to
// a different provider (Unit of Work participation, §4.D).
func (s *Store) WithProvider(provider connprovider.Provider) *Store {
	return &Store{provider: provider, init: schema.NewInitializer(provider), schema: s.schema, table: s.table}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation recognizes the two drivers this core is tested and
// shipped against: SQLite's constraint error text (test harness) and
// lib/pq's 23505 SQLSTATE (production Postgres).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*model.InboxEntry, error) { return scanCommon(row) }

func scanEntryRows(rows *sql.Rows) (*model.InboxEntry, error) { return scanCommon(rows) }

func scanCommon(sc scanner) (*model.InboxEntry, error) {
	var e model.InboxEntry
	var payload []byte
	var source, status, errText sql.NullString
	var processedAt sql.NullTime
	var windowMinutes sql.NullInt64

	if err := sc.Scan(&e.ID, &e.MessageType, &payload, &source, &status, &e.ReceivedAt, &processedAt, &errText,
		&e.RequireIdempotency, &windowMinutes); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.Source = source.String
	e.Status = model.InboxStatus(status.String)
	e.Error = errText.String
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	if windowMinutes.Valid {
		d := time.Duration(windowMinutes.Int64) * time.Minute
		e.DeduplicationWindow = &d
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
