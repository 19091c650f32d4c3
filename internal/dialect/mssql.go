// Copyright 2025 James Ross
package dialect

import (
	"database/sql"
	"fmt"
	"time"
)

// MSSQL implements Dialect for T-SQL-style databases. There is no
// SKIP LOCKED keyword in T-SQL; the equivalent is the READPAST table hint
// combined with UPDLOCK/ROWLOCK, applied as a hint on the FROM clause rather
// than a trailing clause on the SELECT.
type MSSQL struct{}

func (MSSQL) Name() string { return "mssql" }

func (MSSQL) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (MSSQL) Now() string { return "SYSUTCDATETIME()" }

func (MSSQL) QuoteIdent(name string) string { return "[" + name + "]" }

func (MSSQL) CreateSchemaIfNotExists(schema string) string {
	return fmt.Sprintf(`IF NOT EXISTS (SELECT 1 FROM sys.schemas WHERE name = N'%s') EXEC('CREATE SCHEMA %s')`, schema, schema)
}

func (m MSSQL) LimitOffset(limit, offset int) (string, []any) {
	return fmt.Sprintf("OFFSET %s ROWS FETCH NEXT %s ROWS ONLY", m.Placeholder(1), m.Placeholder(2)), []any{offset, limit}
}

func (m MSSQL) DequeueSelect(table string) (string, int) {
	query := fmt.Sprintf(`
		SELECT TOP 1 id, queue_name, message_type, payload, priority, enqueued_at, visible_at, dequeue_count, delay_seconds, acknowledged
		FROM %s WITH (ROWLOCK, UPDLOCK, READPAST)
		WHERE queue_name = %s AND acknowledged = 0 AND (visible_at IS NULL OR visible_at <= %s)
		ORDER BY priority DESC, enqueued_at ASC
	`, table, m.Placeholder(1), m.Placeholder(2))
	return query, 2
}

func (m MSSQL) SagaLockSelect(table string) string {
	return fmt.Sprintf(`SELECT version FROM %s WITH (UPDLOCK, ROWLOCK, NOWAIT) WHERE correlation_id = %s AND saga_type = %s`, table, m.Placeholder(1), m.Placeholder(2))
}

func (MSSQL) LockTimeoutStatement(timeout time.Duration) string {
	return fmt.Sprintf("SET LOCK_TIMEOUT %d", timeout.Milliseconds())
}

func (MSSQL) BeginTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

func (MSSQL) SavepointStatement(name string) string {
	return "SAVE TRANSACTION " + name
}

func (MSSQL) RollbackToSavepointStatement(name string) string {
	return "ROLLBACK TRANSACTION " + name
}

// T-SQL has no RELEASE; savepoints are discarded with the transaction.
func (MSSQL) ReleaseSavepointStatement(string) string { return "" }

func (MSSQL) JSONColumnType() string { return "NVARCHAR(MAX)" }

func (MSSQL) TimestampColumnType() string { return "DATETIME2" }
