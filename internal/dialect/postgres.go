// Copyright 2025 James Ross
package dialect

import (
	"database/sql"
	"fmt"
	"time"
)

// Postgres implements Dialect for PostgreSQL-style databases. It is also the
// dialect exercised by the test suite, against an in-memory SQLite database
// (github.com/mattn/go-sqlite3 accepts both "$N" and "?" style placeholders),
// following the teacher repo's own test pattern in
// internal/exactly_once/outbox_test.go.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Postgres) Now() string { return "NOW()" }

func (Postgres) QuoteIdent(name string) string { return `"` + name + `"` }

func (Postgres) CreateSchemaIfNotExists(schema string) string {
	return fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)
}

func (p Postgres) LimitOffset(limit, offset int) (string, []any) {
	return fmt.Sprintf("LIMIT %s OFFSET %s", p.Placeholder(1), p.Placeholder(2)), []any{limit, offset}
}

func (p Postgres) DequeueSelect(table string) (string, int) {
	query := fmt.Sprintf(`
		SELECT id, queue_name, message_type, payload, priority, enqueued_at, visible_at, dequeue_count, delay_seconds, acknowledged
		FROM %s
		WHERE queue_name = %s AND acknowledged = false AND (visible_at IS NULL OR visible_at <= %s)
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, table, p.Placeholder(1), p.Placeholder(2))
	return query, 2
}

func (p Postgres) SagaLockSelect(table string) string {
	return fmt.Sprintf(`SELECT version FROM %s WHERE correlation_id = %s AND saga_type = %s FOR UPDATE NOWAIT`, table, p.Placeholder(1), p.Placeholder(2))
}

func (Postgres) LockTimeoutStatement(timeout time.Duration) string {
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())
}

func (Postgres) BeginTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

func (Postgres) SavepointStatement(name string) string {
	return "SAVEPOINT " + name
}

func (Postgres) RollbackToSavepointStatement(name string) string {
	return "ROLLBACK TO SAVEPOINT " + name
}

func (Postgres) ReleaseSavepointStatement(name string) string {
	return "RELEASE SAVEPOINT " + name
}

func (Postgres) JSONColumnType() string { return "JSONB" }

func (Postgres) TimestampColumnType() string { return "TIMESTAMPTZ" }
