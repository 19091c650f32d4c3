// Copyright 2025 James Ross

// Package deadletter implements the terminal bucket for irrecoverable
// messages (§4.C.5): dispatchers hand off entries that exhausted their
// retries, operators resubmit or discard them, and aggregate statistics
// drive triage dashboards.
package deadletter

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

const component = "deadletter"

const topReasonsLimit = 10

// FailureContext carries the circumstances of the failure that dead-lettered
// a message. Component names the originating dispatcher (e.g. "Outbox").
type FailureContext struct {
	Reason           string
	Component        string
	RetryCount       int
	FailureTime      time.Time
	ExceptionMessage string
	Metadata         map[string]any
}

// Store is the dead-letter store handle.
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

// EnsureSchema runs the idempotent DDL for the dead_letter table, at most once.
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
	message_payload %s NOT NULL,
	message_type TEXT NOT NULL,
	reason TEXT NOT NULL,
	component TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	failure_time %s NOT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	created_at %s NOT NULL,
	retried_at %s,
	discarded_at %s,
	exception_message TEXT,
	metadata %s
);
CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status);
CREATE INDEX IF NOT EXISTS idx_%s_message_type ON %s(message_type);
CREATE INDEX IF NOT EXISTS idx_%s_failure_time ON %s(failure_time);
CREATE INDEX IF NOT EXISTS idx_%s_component ON %s(component);
`, table, jsonType, tsType, tsType, tsType, tsType, jsonType,
			s.table, table, s.table, table, s.table, table, s.table, table)
	})
}

// Send persists a failed message with its failure context and returns the
// entry id. The entry starts Active.
func (s *Store) Send(ctx context.Context, id, messageType string, payload json.RawMessage, fc FailureContext) (string, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return "", err
	}
	if fc.FailureTime.IsZero() {
		fc.FailureTime = time.Now().UTC()
	}

	var metadata any
	if len(fc.Metadata) > 0 {
		raw, err := json.Marshal(fc.Metadata)
		if err != nil {
			return "", &coreerrors.SerializationError{Component: component, Key: id, Cause: err}
		}
		metadata = raw
	}

	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return "", &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`INSERT INTO %s (id, message_payload, message_type, reason, component, retry_count, failure_time, status, created_at, exception_message, metadata)
		VALUES (%s)`, table, dialect.Placeholders(d, 11))
	_, err = ex.ExecContext(ctx, query, id, []byte(payload), messageType, fc.Reason, fc.Component,
		fc.RetryCount, fc.FailureTime, int(model.DeadLetterActive), time.Now().UTC(),
		nullableString(fc.ExceptionMessage), metadata)
	if err != nil {
		return "", &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	return id, nil
}

// Get returns up to limit Active entries of the given message type, most
// recent failures first.
func (s *Store) Get(ctx context.Context, messageType string, limit int) ([]model.DeadLetterEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	limitClause, limitArgs := d.LimitOffset(limit, 0)
	limitClause = renumberPlaceholders(d, limitClause, 2)

	query := fmt.Sprintf(`SELECT id, message_payload, message_type, reason, component, retry_count, failure_time,
		status, created_at, retried_at, discarded_at, exception_message, metadata
		FROM %s WHERE status = %s AND message_type = %s ORDER BY failure_time DESC %s`,
		table, d.Placeholder(1), d.Placeholder(2), limitClause)

	args := append([]any{int(model.DeadLetterActive), messageType}, limitArgs...)
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	defer rows.Close()

	var out []model.DeadLetterEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, &coreerrors.SerializationError{Component: component, Key: "", Cause: err}
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Retry marks an Active entry as Retried, recording the resubmission time.
// The transition is one-way and only valid from Active.
func (s *Store) Retry(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.DeadLetterRetried, "retried_at")
}

// Discard marks an Active entry as permanently Discarded.
func (s *Store) Discard(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.DeadLetterDiscarded, "discarded_at")
}

func (s *Store) transition(ctx context.Context, id string, to model.DeadLetterStatus, tsColumn string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`UPDATE %s SET status = %s, %s = %s WHERE id = %s AND status = %s`,
		table, d.Placeholder(1), tsColumn, d.Placeholder(2), d.Placeholder(3), d.Placeholder(4))
	res, err := ex.ExecContext(ctx, query, int(to), time.Now().UTC(), id, int(model.DeadLetterActive))
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	if n == 1 {
		return nil
	}

	// Nothing transitioned: distinguish an unknown id from a non-Active row.
	var current int
	err = ex.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = %s`, table, d.Placeholder(1)), id).Scan(&current)
	if err == sql.ErrNoRows {
		return &coreerrors.NotFoundError{Component: component, Key: id}
	}
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	return &coreerrors.InvalidTransitionError{
		Component: component,
		Key:       id,
		From:      model.DeadLetterStatus(current).String(),
		To:        to.String(),
	}
}

// GetCount returns the number of Active entries.
func (s *Store) GetCount(ctx context.Context) (int64, error) {
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
		int(model.DeadLetterActive)).Scan(&n)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return n, nil
}

// GetStatistics aggregates the table: per-status totals, Active counts by
// component, the ten most frequent Active failure reasons, and the Active
// failure-time extremes.
func (s *Store) GetStatistics(ctx context.Context) (*model.DeadLetterStatistics, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	stats := &model.DeadLetterStatistics{CountByComponent: map[string]int64{}}

	rows, err := ex.QueryContext(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, table))
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, &coreerrors.SerializationError{Component: component, Key: "", Cause: err}
		}
		switch model.DeadLetterStatus(status) {
		case model.DeadLetterActive:
			stats.Active = count
		case model.DeadLetterRetried:
			stats.Retried = count
		case model.DeadLetterDiscarded:
			stats.Discarded = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	rows.Close()

	rows, err = ex.QueryContext(ctx, fmt.Sprintf(`SELECT component, COUNT(*) FROM %s WHERE status = %s GROUP BY component`,
		table, d.Placeholder(1)), int(model.DeadLetterActive))
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			rows.Close()
			return nil, &coreerrors.SerializationError{Component: component, Key: "", Cause: err}
		}
		stats.CountByComponent[name] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	rows.Close()

	limitClause, limitArgs := d.LimitOffset(topReasonsLimit, 0)
	limitClause = renumberPlaceholders(d, limitClause, 1)
	reasonQuery := fmt.Sprintf(`SELECT reason, COUNT(*) AS n FROM %s WHERE status = %s GROUP BY reason ORDER BY n DESC %s`,
		table, d.Placeholder(1), limitClause)
	args := append([]any{int(model.DeadLetterActive)}, limitArgs...)
	rows, err = ex.QueryContext(ctx, reasonQuery, args...)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	for rows.Next() {
		var rc model.ReasonCount
		if err := rows.Scan(&rc.Reason, &rc.Count); err != nil {
			rows.Close()
			return nil, &coreerrors.SerializationError{Component: component, Key: "", Cause: err}
		}
		stats.TopReasons = append(stats.TopReasons, rc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	rows.Close()

	var oldest, newest sql.NullTime
	err = ex.QueryRowContext(ctx, fmt.Sprintf(`SELECT MIN(failure_time), MAX(failure_time) FROM %s WHERE status = %s`,
		table, d.Placeholder(1)), int(model.DeadLetterActive)).Scan(&oldest, &newest)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	if oldest.Valid {
		t := oldest.Time
		stats.OldestActive = &t
	}
	if newest.Valid {
		t := newest.Time
		stats.NewestActive = &t
	}
	return stats, nil
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

func scanEntry(rows *sql.Rows) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	var payload []byte
	var status int
	var retriedAt, discardedAt sql.NullTime
	var exceptionMessage sql.NullString
	var metadata []byte

	if err := rows.Scan(&e.ID, &payload, &e.MessageType, &e.Reason, &e.Component, &e.RetryCount, &e.FailureTime,
		&status, &e.CreatedAt, &retriedAt, &discardedAt, &exceptionMessage, &metadata); err != nil {
		return nil, err
	}
	e.MessagePayload = json.RawMessage(payload)
	e.Status = model.DeadLetterStatus(status)
	e.ExceptionMessage = exceptionMessage.String
	if retriedAt.Valid {
		t := retriedAt.Time
		e.RetriedAt = &t
	}
	if discardedAt.Valid {
		t := discardedAt.Time
		e.DiscardedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, err
		}
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
