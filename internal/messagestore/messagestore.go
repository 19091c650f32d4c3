// Copyright 2025 James Ross

// Package messagestore implements the generic message store (§4.C.1): a
// durable key/value table for arbitrary messages, with TTL expiry,
// collection tagging, and a whitelisted query/order surface.
package messagestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
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

const component = "messagestore"

// orderColumns whitelists the columns a caller may sort by (§4.C.1 — "any
// value that would appear in ORDER BY MUST be validated against a
// whitelist, never interpolated raw").
var orderColumns = map[string]string{
	"timestamp":  "timestamp",
	"created_at": "created_at",
}

// Options configures a single Store call.
type Options struct {
	TTL        *time.Duration
	Collection string
	Metadata   map[string]string
}

// Filter configures Query/Count.
type Filter struct {
	Collection string
	From       *time.Time
	To         *time.Time
	OrderBy    string // must be a key of orderColumns; "" defaults to created_at
	Descending bool
	Limit      int
	Offset     int
}

// Store is the message store handle. A zero Store is not usable; build one
// with New.
type Store struct {
	provider connprovider.Provider
	init     *schema.Initializer
	schema   string
	table    string
}

// New builds a Store bound to the given provider, schema, and table. The
// schema/table identifiers are validated immediately (§4.B).
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

// EnsureSchema runs the idempotent DDL for this store's table, at most once
// per Store instance (§4.B).
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
	timestamp %s NOT NULL,
	correlation_id TEXT,
	collection TEXT,
	metadata %s,
	expires_at %s,
	created_at %s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s(timestamp);
CREATE INDEX IF NOT EXISTS idx_%s_message_type ON %s(message_type);
CREATE INDEX IF NOT EXISTS idx_%s_correlation_id ON %s(correlation_id);
CREATE INDEX IF NOT EXISTS idx_%s_collection ON %s(collection);
`, table, jsonType, tsType, jsonType, tsType, tsType,
			s.table, table, s.table, table, s.table, table, s.table, table)
	})
}

// Store inserts msg and returns its id. An empty ID gets a generated one;
// a zero CreatedAt/Timestamp is stamped to now.
func (s *Store) Store(ctx context.Context, msg model.Message, opts *Options) (string, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = idgen.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if opts != nil {
		if opts.Collection != "" {
			msg.Collection = opts.Collection
		}
		if opts.Metadata != nil {
			msg.Metadata = opts.Metadata
		}
		if opts.TTL != nil {
			exp := now.Add(*opts.TTL)
			msg.ExpiresAt = &exp
		}
	}

	metadataJSON, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return "", &coreerrors.SerializationError{Component: component, Key: msg.ID, Cause: err}
	}

	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return "", &coreerrors.ConnectivityError{Component: component, Key: msg.ID, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(
		`INSERT INTO %s (id, message_type, payload, timestamp, correlation_id, collection, metadata, expires_at, created_at)
		 VALUES (%s)`, table, dialect.Placeholders(d, 9))

	_, err = ex.ExecContext(ctx, query,
		msg.ID, msg.MessageType, []byte(msg.Payload), msg.Timestamp,
		nullableString(msg.CorrelationID), nullableString(msg.Collection), metadataJSON,
		msg.ExpiresAt, msg.CreatedAt)
	if err != nil {
		return "", classifyWriteErr(msg.ID, err)
	}
	return msg.ID, nil
}

// Retrieve returns the message with the given id, or a *coreerrors.NotFoundError
// if it is absent or expired.
func (s *Store) Retrieve(ctx context.Context, id string) (*model.Message, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(
		`SELECT id, message_type, payload, timestamp, correlation_id, collection, metadata, expires_at, created_at
		 FROM %s WHERE id = %s`, table, d.Placeholder(1))

	row := ex.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &coreerrors.NotFoundError{Component: component, Key: id}
		}
		return nil, &coreerrors.SerializationError{Component: component, Key: id, Cause: err}
	}
	if msg.Expired(time.Now().UTC()) {
		return nil, &coreerrors.NotFoundError{Component: component, Key: id}
	}
	return msg, nil
}

// Exists reports whether a non-expired message with the given id is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Retrieve(ctx, id)
	if err != nil {
		var nf *coreerrors.NotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes the message with the given id. Deleting an absent id is a
// no-op, not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)
	_, err = ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = %s`, table, d.Placeholder(1)), id)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	return nil
}

// Update overwrites the stored message at id with msg's fields.
func (s *Store) Update(ctx context.Context, id string, msg model.Message) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return &coreerrors.SerializationError{Component: component, Key: id, Cause: err}
	}

	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	query := fmt.Sprintf(`UPDATE %s SET message_type = %s, payload = %s, timestamp = %s,
		correlation_id = %s, collection = %s, metadata = %s, expires_at = %s
		WHERE id = %s`, table,
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4),
		d.Placeholder(5), d.Placeholder(6), d.Placeholder(7), d.Placeholder(8))

	res, err := ex.ExecContext(ctx, query,
		msg.MessageType, []byte(msg.Payload), msg.Timestamp,
		nullableString(msg.CorrelationID), nullableString(msg.Collection), metadataJSON, msg.ExpiresAt, id)
	if err != nil {
		return classifyWriteErr(id, err)
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

// Clear deletes every row in the table.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	_, err = ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.qualifiedTable(d)))
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return nil
}

// Query returns messages matching filter, ordered and paginated per filter.
func (s *Store) Query(ctx context.Context, filter Filter) ([]model.Message, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	orderCol, ok := orderColumns[filter.OrderBy]
	if filter.OrderBy == "" {
		orderCol = orderColumns["created_at"]
	} else if !ok {
		return nil, &coreerrors.IdentifierInvalidError{Component: component, Identifier: filter.OrderBy}
	}

	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	var args []any
	var clauses []string
	if filter.Collection != "" {
		args = append(args, filter.Collection)
		clauses = append(clauses, fmt.Sprintf("collection = %s", d.Placeholder(len(args))))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		clauses = append(clauses, fmt.Sprintf("timestamp >= %s", d.Placeholder(len(args))))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		clauses = append(clauses, fmt.Sprintf("timestamp <= %s", d.Placeholder(len(args))))
	}
	where := ""
	for i, c := range clauses {
		if i == 0 {
			where = " WHERE " + c
		} else {
			where += " AND " + c
		}
	}

	dir := "ASC"
	if filter.Descending {
		dir = "DESC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	limitClause, limitArgs := d.LimitOffset(limit, filter.Offset)
	// limitArgs placeholders are numbered from 1 in the dialect's own
	// convention; renumber them to continue after the WHERE clause args.
	base := len(args)
	limitClauseRenumbered := renumberPlaceholders(d, limitClause, base)
	args = append(args, limitArgs...)

	query := fmt.Sprintf(`SELECT id, message_type, payload, timestamp, correlation_id, collection, metadata, expires_at, created_at
		FROM %s%s ORDER BY %s %s %s`, table, where, orderCol, dir, limitClauseRenumbered)

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []model.Message
	for rows.Next() {
		msg, err := scanMessageRows(rows)
		if err != nil {
			return nil, &coreerrors.SerializationError{Component: component, Key: "", Cause: err}
		}
		if msg.Expired(now) {
			continue
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// Count returns the number of non-expired rows, narrowed to
// filter.Collection when it is set. The other Filter fields (From, To,
// ordering, paging) do not apply to Count.
func (s *Store) Count(ctx context.Context, filter *Filter) (int64, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	ex, err := s.provider.Acquire(ctx)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	d := s.provider.Dialect()
	table := s.qualifiedTable(d)

	args := []any{time.Now().UTC()}
	where := fmt.Sprintf(" WHERE (expires_at IS NULL OR expires_at > %s)", d.Placeholder(1))
	if filter != nil && filter.Collection != "" {
		args = append(args, filter.Collection)
		where += fmt.Sprintf(" AND collection = %s", d.Placeholder(2))
	}

	var n int64
	err = ex.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, table, where), args...).Scan(&n)
	if err != nil {
		return 0, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return n, nil
}

// WithProvider returns a Store sharing this one's table/schema but reading
// and writing through a different provider — the mechanism by which a
// Unit of Work makes the message store participate in its transaction
// (§4.C.1's "transaction-aware variants", expressed idiomatically via an
// explicit provider swap rather than a parallel Async API).
func (s *Store) WithProvider(provider connprovider.Provider) *Store {
	return &Store{
		provider: provider,
		init:     schema.NewInitializer(provider),
		schema:   s.schema,
		table:    s.table,
	}
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (*model.Message, error) {
	return scanCommon(row)
}

func scanMessageRows(rows *sql.Rows) (*model.Message, error) {
	return scanCommon(rows)
}

func scanCommon(sc scanner) (*model.Message, error) {
	var msg model.Message
	var payload []byte
	var correlationID, collection sql.NullString
	var metadataRaw []byte
	var expiresAt sql.NullTime

	if err := sc.Scan(&msg.ID, &msg.MessageType, &payload, &msg.Timestamp,
		&correlationID, &collection, &metadataRaw, &expiresAt, &msg.CreatedAt); err != nil {
		return nil, err
	}

	msg.Payload = json.RawMessage(payload)
	msg.CorrelationID = correlationID.String
	msg.Collection = collection.String
	if expiresAt.Valid {
		t := expiresAt.Time
		msg.ExpiresAt = &t
	}
	metadata, err := decodeMetadata(metadataRaw)
	if err != nil {
		return nil, err
	}
	msg.Metadata = metadata
	return &msg, nil
}

func classifyWriteErr(id string, err error) error {
	return &coreerrors.ConnectivityError{Component: component, Key: id, Cause: err}
}

// renumberPlaceholders rewrites a dialect-produced clause whose placeholders
// start at 1 so that they instead start at base+1, keeping multi-clause
// queries internally consistent regardless of how many WHERE args precede
// the pagination clause. Walked in descending order so a placeholder that
// was already moved up is not moved again by a later pass. Only
// single-digit results are safe: a rewritten "$11" would be hit again by
// the "$1" pass.
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
