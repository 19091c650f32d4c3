// Copyright 2025 James Ross
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/reliable-messaging-core/internal/connprovider"
	"github.com/flyingrobots/reliable-messaging-core/internal/coreerrors"
	"github.com/flyingrobots/reliable-messaging-core/internal/dialect"
)

// testDSN gives each test its own named in-memory database so connections
// handed out by the pool never see a different, empty ":memory:" database.
func testDSN(t *testing.T) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
}

func TestValidateIdentifierAcceptsSimpleNames(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("messagestore", "outbox"))
	assert.NoError(t, ValidateIdentifier("messagestore", "_private_1"))
}

func TestValidateIdentifierRejectsInvalidNames(t *testing.T) {
	for _, bad := range []string{"1table", "table-name", "table name", "table;DROP", ""} {
		err := ValidateIdentifier("messagestore", bad)
		require.Error(t, err)
		var invalid *coreerrors.IdentifierInvalidError
		assert.ErrorAs(t, err, &invalid)
		assert.Equal(t, bad, invalid.Identifier)
	}
}

func newOwned(t *testing.T) *connprovider.Owned {
	t.Helper()
	o, err := connprovider.NewOwned("sqlite3", testDSN(t), dialect.Postgres{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestExecuteScriptRunsOnceAndIsIdempotentAcrossCalls(t *testing.T) {
	o := newOwned(t)
	init := NewInitializer(o)

	calls := 0
	build := func(d dialect.Dialect) string {
		calls++
		return "CREATE TABLE IF NOT EXISTS widgets (id TEXT PRIMARY KEY)"
	}

	require.NoError(t, init.ExecuteScript(context.Background(), build))
	require.NoError(t, init.ExecuteScript(context.Background(), build))

	assert.Equal(t, 1, calls, "DDL must run at most once per Initializer instance")
}

func TestExecuteScriptCachesFailure(t *testing.T) {
	o := newOwned(t)
	init := NewInitializer(o)

	err := init.ExecuteScript(context.Background(), func(d dialect.Dialect) string {
		return "NOT VALID SQL SYNTAX ;;;"
	})
	require.Error(t, err)

	// second call returns the cached error without re-running the statement
	err2 := init.ExecuteScript(context.Background(), func(d dialect.Dialect) string {
		t.Fatal("build must not be called again once the latch has fired")
		return ""
	})
	assert.Equal(t, err, err2)
}

func TestEnsureSchemaNoopsForDefaultSchema(t *testing.T) {
	o := newOwned(t)
	init := NewInitializer(o)
	assert.NoError(t, init.EnsureSchema(context.Background(), "messagestore", ""))
	assert.NoError(t, init.EnsureSchema(context.Background(), "messagestore", "public"))
}

func TestEnsureSchemaRejectsInvalidIdentifier(t *testing.T) {
	o := newOwned(t)
	init := NewInitializer(o)
	err := init.EnsureSchema(context.Background(), "messagestore", "bad-name")
	require.Error(t, err)
	var invalid *coreerrors.IdentifierInvalidError
	assert.ErrorAs(t, err, &invalid)
}

type recordingExecer struct {
	stmts []string
}

type noopResult struct{}

func (noopResult) LastInsertId() (int64, error) { return 0, nil }
func (noopResult) RowsAffected() (int64, error) { return 0, nil }

func (r *recordingExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	r.stmts = append(r.stmts, query)
	return noopResult{}, nil
}

func (r *recordingExecer) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, fmt.Errorf("not implemented")
}

func (r *recordingExecer) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

func TestEnsureSchemaAndScriptLatchIndependently(t *testing.T) {
	rec := &recordingExecer{}
	init := NewInitializer(connprovider.NewShared(rec, dialect.Postgres{}))

	require.NoError(t, init.EnsureSchema(context.Background(), "outbox", "messaging"))
	require.NoError(t, init.ExecuteScript(context.Background(), func(d dialect.Dialect) string {
		return "CREATE TABLE IF NOT EXISTS messaging.outbox (id TEXT PRIMARY KEY)"
	}))

	require.Len(t, rec.stmts, 2, "schema creation must not consume the table-script latch")
	assert.Contains(t, rec.stmts[0], "CREATE SCHEMA IF NOT EXISTS")
	assert.Contains(t, rec.stmts[1], "CREATE TABLE IF NOT EXISTS")

	// Both latches have fired; repeat calls are no-ops.
	require.NoError(t, init.EnsureSchema(context.Background(), "outbox", "messaging"))
	require.NoError(t, init.ExecuteScript(context.Background(), func(d dialect.Dialect) string { return "x" }))
	assert.Len(t, rec.stmts, 2)
}

func TestResetAllowsRerun(t *testing.T) {
	o := newOwned(t)
	init := NewInitializer(o)

	calls := 0
	build := func(d dialect.Dialect) string {
		calls++
		return "CREATE TABLE IF NOT EXISTS gadgets (id TEXT PRIMARY KEY)"
	}

	require.NoError(t, init.ExecuteScript(context.Background(), build))
	init.Reset()
	require.NoError(t, init.ExecuteScript(context.Background(), build))

	assert.Equal(t, 2, calls)
}
