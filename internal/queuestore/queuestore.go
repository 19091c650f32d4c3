// Copyright 2025 James Ross

// Package queuestore implements the durable priority queue (§4.C.4):
// enqueue/dequeue with a lease-based visibility timeout, skip-locked
// concurrent dequeue, peek, acknowledge, and reject.
package queuestore

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

const component = "queuestore"

// DefaultLease is the visibility timeout applied to a dequeued entry when
// no lease duration is supplied (§4.C.4, §6.2).
const DefaultLease = 5 * time.Minute

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	Priority int
	Delay    *time.Duration
}

// Store is the queue store handle. One table backs every queue; queues are
// implicit, identified only by the queue_name column (§4.C.4).
type Store struct {
	provider connprovider.Provider
	init     *schema.Initializer
	schema   string
	table    string
	lease    time.Duration
}

// New builds a Store bound to the given provider, schema, and table, with
// the given lease duration (0 selects DefaultLease).
func New(provider connprovider.Provider, schemaName, table string, lease time.Duration) (*Store, error) {
	if err := schema.ValidateIdentifier(component, table); err != nil {
		return nil, err
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Store{
		provider: provider,
		init:     schema.NewInitializer(provider),
		schema:   schemaName,
		table:    table,
		lease:    lease,
	}, nil
}

func (s *Store) qualifiedTable(d dialect.Dialect) string {
	if s.schema == "" {
		return d.QuoteIdent(s.table)
	}
	return d.QuoteIdent(s.schema) + "." + d.QuoteIdent(s.table)
}

// EnsureSchema runs the idempotent DDL for the queue table, at most once.
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
	queue_name TEXT NOT NULL,
	message_type TEXT NOT NULL,
	payload %s NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	enqueued_at %s NOT NULL,
	visible_at %s,
	dequeue_count INTEGER NOT NULL DEFAULT 0,
	delay_seconds INTEGER,
	acknowledged INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_%s_queue_name ON %s(queue_name);
CREATE INDEX IF NOT EXISTS idx_%s_dispatch ON %s(queue_name, priority, enqueued_at);
`, table, jsonType, tsType, tsType, s.table, table, s.table, table)
	})
}

// Enqueue inserts a new entry. visible_at is left NULL (immediately
// visible) unless a positive opts.Delay sets it to now+Delay.
func (s *Store) Enqueue(ctx context.Context, queueName, id, messageType string, payload json.RawMessage, opts *EnqueueOptions) (*model.QueueEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	entry := model.QueueEntry{
		ID:          id,
		QueueName:   queueName,
		MessageType: messageType,
		Payload:     payload,
		EnqueuedAt:  now,
	}
	var visibleAt *time.Time
	if opts != nil {
		entry.Priority = opts.Priority
		entry.Delay = opts.Delay
		if opts.Delay != nil && *opts.Delay > 0 {
			v := now.Add(*opts.Delay)
			visibleAt = &v
		}
	}

	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	var delaySeconds any
	if entry.Delay != nil {
		delaySeconds = int64(entry.Delay.Seconds())
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, queue_name, message_type, payload, priority, enqueued_at, visible_at, dequeue_count, delay_seconds, acknowledged)
		VALUES (%s)`, table, dialect.Placeholders(d, 10))
	_, err = ex.ExecContext(ctx, query, entry.ID, entry.QueueName, entry.MessageType, []byte(entry.Payload),
		entry.Priority, entry.EnqueuedAt, visibleAt, 0, delaySeconds, false)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	entry.VisibleAt = visibleAt
	return &entry, nil
}

// txBeginner is satisfied by *sql.DB (owned mode); shared mode already runs
// inside an ambient transaction managed by the caller's Unit of Work.
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Dequeue selects the single visible row with the highest priority (ties
// broken oldest-first), skip-locking past rows already claimed by another
// worker, increments its dequeue_count, and pushes visible_at out by the
// lease duration. Returns (nil, nil) if no row is currently visible.
//
// If the provider is shared (the caller supplied an outer transaction via a
// Unit of Work), the dequeue runs inside that transaction: the lock is held
// until the caller commits. In owned mode a short-lived local transaction
// is opened, used, and committed here.
func (s *Store) Dequeue(ctx context.Context, queueName string) (*model.QueueEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)
	now := time.Now().UTC()

	if s.provider.IsShared() {
		ex, err := s.provider.Acquire(ctx)
		if err != nil {
			return nil, &coreerrors.ConnectivityError{Component: component, Key: queueName, Cause: err}
		}
		return s.dequeueWith(ctx, ex, table, d, queueName, now)
	}

	owned, ok := s.provider.(interface{ DB() *sql.DB })
	if !ok {
		return nil, fmt.Errorf("queuestore: owned provider must expose DB()")
	}
	tx, err := owned.DB().BeginTx(ctx, d.BeginTxOptions())
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: queueName, Cause: err}
	}
	entry, err := s.dequeueWith(ctx, tx, table, d, queueName, now)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: queueName, Cause: err}
	}
	return entry, nil
}

func (s *Store) dequeueWith(ctx context.Context, ex connprovider.Execer, table string, d dialect.Dialect, queueName string, now time.Time) (*model.QueueEntry, error) {
	selectQuery, _ := d.DequeueSelect(table)
	row := ex.QueryRowContext(ctx, selectQuery, queueName, now)
	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &coreerrors.SerializationError{Component: component, Key: queueName, Cause: err}
	}

	newVisible := now.Add(s.lease)
	updateQuery := fmt.Sprintf(`UPDATE %s SET dequeue_count = %s, visible_at = %s WHERE id = %s`,
		table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	if _, err := ex.ExecContext(ctx, updateQuery, entry.DequeueCount+1, newVisible, entry.ID); err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: entry.ID, Cause: err}
	}
	entry.DequeueCount++
	entry.VisibleAt = &newVisible
	return entry, nil
}

// Peek returns up to count visible, unacknowledged entries without locking
// or mutating them (§4.C.4 — inspection only).
func (s *Store) Peek(ctx context.Context, queueName string, count int) ([]model.QueueEntry, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: queueName, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	limitClause, limitArgs := d.LimitOffset(count, 0)
	limitClause = renumberPlaceholders(d, limitClause, 2)

	query := fmt.Sprintf(`SELECT id, queue_name, message_type, payload, priority, enqueued_at, visible_at, dequeue_count, delay_seconds, acknowledged
		FROM %s WHERE queue_name = %s AND acknowledged = %s AND (visible_at IS NULL OR visible_at <= %s)
		ORDER BY priority DESC, enqueued_at ASC %s`,
		table, d.Placeholder(1), boolLiteral(d, false), d.Placeholder(2), limitClause)

	args := append([]any{queueName, time.Now().UTC()}, limitArgs...)
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: queueName, Cause: err}
	}
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, &coreerrors.SerializationError{Component: component, Key: queueName, Cause: err}
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Acknowledge marks id as acknowledged, removing it from future dequeues.
func (s *Store) Acknowledge(ctx context.Context, queueName, id string) error {
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`UPDATE %s SET acknowledged = %s WHERE queue_name = %s AND id = %s`,
		table, boolLiteral(d, true), d.Placeholder(1), d.Placeholder(2))
	res, err := ex.ExecContext(ctx, query, queueName, id)
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

// Reject either makes id immediately visible again (requeue=true) or
// deletes it outright (requeue=false).
func (s *Store) Reject(ctx context.Context, queueName, id string, requeue bool) error {
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	var query string
	var args []any
	if requeue {
		query = fmt.Sprintf(`UPDATE %s SET visible_at = %s WHERE queue_name = %s AND id = %s`,
			table, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
		args = []any{time.Now().UTC(), queueName, id}
	} else {
		query = fmt.Sprintf(`DELETE FROM %s WHERE queue_name = %s AND id = %s`, table, d.Placeholder(1), d.Placeholder(2))
		args = []any{queueName, id}
	}

	res, err := ex.ExecContext(ctx, query, args...)
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

// GetQueueDepth returns the number of unacknowledged rows for queueName.
func (s *Store) GetQueueDepth(ctx context.Context, queueName string) (int64, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: queueName, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue_name = %s AND acknowledged = %s`,
		table, d.Placeholder(1), boolLiteral(d, false))
	err = ex.QueryRowContext(ctx, query, queueName).Scan(&n)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: queueName, Cause: err}
	}
	return n, nil
}

// CreateQueue is a no-op: queues are implicit, created by their first
// Enqueue (§4.C.4).
func (s *Store) CreateQueue(ctx context.Context, queueName string) error { return nil }

// DeleteQueue removes every row for queueName, regardless of
// acknowledgement state.
func (s *Store) DeleteQueue(ctx context.Context, queueName string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: queueName, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)
	_, err = ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE queue_name = %s`, table, d.Placeholder(1)), queueName)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: queueName, Cause: err}
	}
	return nil
}

// GetQueues lists the distinct queue names with at least one unacknowledged
// row (§4.C.4 — a queue "exists" iff it has ≥1 unacknowledged row).
func (s *Store) GetQueues(ctx context.Context) ([]string, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`SELECT DISTINCT queue_name FROM %s WHERE acknowledged = %s`, table, boolLiteral(d, false))
	rows, err := ex.QueryContext(ctx, query)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &coreerrors.SerializationError{Component: component, Key: "", Cause: err}
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// QueueExists reports whether queueName currently has ≥1 unacknowledged row.
func (s *Store) QueueExists(ctx context.Context, queueName string) (bool, error) {
	depth, err := s.GetQueueDepth(ctx, queueName)
	if err != nil {
		return false, err
	}
	return depth > 0, nil
}

// WithProvider returns a Store sharing this one's table/schema/lease but
// bound to a different provider (Unit of Work participation, §4.D).
func (s *Store) WithProvider(provider connprovider.Provider) *Store {
	return &Store{provider: provider, init: schema.NewInitializer(provider), schema: s.schema, table: s.table, lease: s.lease}
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

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*model.QueueEntry, error) { return scanCommon(row) }

func scanEntryRows(rows *sql.Rows) (*model.QueueEntry, error) { return scanCommon(rows) }

func scanCommon(sc scanner) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var payload []byte
	var visibleAt sql.NullTime
	var delaySeconds sql.NullInt64
	var acknowledged bool

	if err := sc.Scan(&e.ID, &e.QueueName, &e.MessageType, &payload, &e.Priority, &e.EnqueuedAt,
		&visibleAt, &e.DequeueCount, &delaySeconds, &acknowledged); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.Acknowledged = acknowledged
	if visibleAt.Valid {
		t := visibleAt.Time
		e.VisibleAt = &t
	}
	if delaySeconds.Valid {
		d := time.Duration(delaySeconds.Int64) * time.Second
		e.Delay = &d
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
