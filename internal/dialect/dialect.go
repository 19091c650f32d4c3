// Copyright 2025 James Ross
package dialect

import (
	"database/sql"
	"fmt"
	"time"
)

// Dialect supplies the handful of SQL-generation hints that differ between
// the two in-scope targets (§1 Non-goals: no full SQL dialect abstraction
// layer — just the hints each store needs to speak either dialect).
//
// Stores build most of their own query text from the fragments a Dialect
// returns (placeholder syntax, current-timestamp expression, pagination
// clause). The exceptions are DequeueSelect and SagaLockSelect, which return
// complete row-locking SELECT statements.
type Dialect interface {
	// Name identifies the dialect for branching on fragment position
	// (the lock hint sits in a different clause in each dialect).
	Name() string

	// Placeholder returns the positional bind-parameter marker for the
	// n-th parameter (1-based). Payload/filter values always flow through
	// this, never through string interpolation (§4.B).
	Placeholder(n int) string

	// Now returns the SQL expression for the current UTC timestamp.
	Now() string

	// QuoteIdent quotes an already-validated identifier for safe
	// interpolation into DDL/DML (§4.B — identifiers are validated before
	// this is ever called).
	QuoteIdent(name string) string

	// CreateSchemaIfNotExists returns idempotent DDL for schema creation.
	CreateSchemaIfNotExists(schema string) string

	// LimitOffset returns the pagination clause text and the bind arguments
	// to append. The clause's placeholders are always numbered from 1;
	// callers that bind WHERE arguments first renumber them.
	LimitOffset(limit, offset int) (clause string, args []any)

	// DequeueSelect builds the full SELECT used by the queue dequeue
	// transaction (§4.C.4): it must skip-lock a single visible row ordered
	// by priority DESC, enqueued_at ASC. table is pre-validated.
	DequeueSelect(table string) (query string, placeholderCount int)

	// SagaLockSelect builds the full SELECT used by the saga optimistic
	// update protocol (§4.C.6 step 2): lock the saga row NOWAIT.
	SagaLockSelect(table string) string

	// LockTimeoutStatement returns the statement that bounds how long the
	// saga update transaction (§4.C.6 step 1) will wait on a row lock
	// before giving up; "" means the dialect has no such statement and the
	// caller should skip executing it.
	LockTimeoutStatement(timeout time.Duration) string

	// BeginTxOptions returns the options for the short internal
	// transactions opened by queue dequeue and saga update (§4.C.4,
	// §4.C.6: ReadCommitted).
	BeginTxOptions() *sql.TxOptions

	// SavepointStatement returns the statement establishing a savepoint.
	// name is pre-validated (§4.B).
	SavepointStatement(name string) string

	// RollbackToSavepointStatement returns the statement that rewinds the
	// active transaction to the named savepoint.
	RollbackToSavepointStatement(name string) string

	// ReleaseSavepointStatement returns the statement discarding the named
	// savepoint, or "" where the dialect releases implicitly on commit.
	ReleaseSavepointStatement(name string) string

	// JSONColumnType returns the DDL column type for JSON payloads.
	JSONColumnType() string

	// TimestampColumnType returns the DDL column type for timestamps.
	TimestampColumnType() string
}

// Placeholders returns n sequential placeholders starting at 1, joined with
// ", " — a convenience used by every store's INSERT statement.
func Placeholders(d Dialect, n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		out += d.Placeholder(i)
	}
	return out
}

// ValidateLikeIdentifier is a cheap sanity check that rejects only an empty
// name. The dialects do not call it; table and schema names are checked
// against the full identifier regex by schema.ValidateIdentifier (§4.B).
func ValidateLikeIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier must not be empty")
	}
	return nil
}
