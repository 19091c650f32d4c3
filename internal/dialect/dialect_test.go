// Copyright 2025 James Ross
package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostgresPlaceholders(t *testing.T) {
	d := Postgres{}
	assert.Equal(t, "$1", d.Placeholder(1))
	assert.Equal(t, "$3", d.Placeholder(3))
	assert.Equal(t, "$1, $2, $3", Placeholders(d, 3))
}

func TestMSSQLPlaceholders(t *testing.T) {
	d := MSSQL{}
	assert.Equal(t, "@p1", d.Placeholder(1))
	assert.Equal(t, "@p1, @p2", Placeholders(d, 2))
}

func TestDequeueSelectUsesDialectSpecificLockHint(t *testing.T) {
	pgQuery, pgArgs := Postgres{}.DequeueSelect("queue_entries")
	assert.Contains(t, pgQuery, "FOR UPDATE SKIP LOCKED")
	assert.Equal(t, 2, pgArgs)

	msQuery, msArgs := MSSQL{}.DequeueSelect("queue_entries")
	assert.Contains(t, msQuery, "READPAST")
	assert.Contains(t, msQuery, "TOP 1")
	assert.Equal(t, 2, msArgs)
}

func TestSagaLockSelectDiffersByDialect(t *testing.T) {
	assert.Contains(t, Postgres{}.SagaLockSelect("sagas"), "FOR UPDATE NOWAIT")
	assert.Contains(t, MSSQL{}.SagaLockSelect("sagas"), "NOWAIT")
	assert.Contains(t, MSSQL{}.SagaLockSelect("sagas"), "UPDLOCK")
}

func TestSavepointStatements(t *testing.T) {
	assert.Equal(t, "SAVEPOINT s1", Postgres{}.SavepointStatement("s1"))
	assert.Equal(t, "ROLLBACK TO SAVEPOINT s1", Postgres{}.RollbackToSavepointStatement("s1"))
	assert.Equal(t, "RELEASE SAVEPOINT s1", Postgres{}.ReleaseSavepointStatement("s1"))

	assert.Equal(t, "SAVE TRANSACTION s1", MSSQL{}.SavepointStatement("s1"))
	assert.Equal(t, "ROLLBACK TRANSACTION s1", MSSQL{}.RollbackToSavepointStatement("s1"))
	assert.Equal(t, "", MSSQL{}.ReleaseSavepointStatement("s1"))
}

func TestLimitOffset(t *testing.T) {
	clause, args := Postgres{}.LimitOffset(10, 20)
	assert.Equal(t, "LIMIT $1 OFFSET $2", clause)
	assert.Equal(t, []any{10, 20}, args)

	clause, args = MSSQL{}.LimitOffset(10, 20)
	assert.Equal(t, "OFFSET @p1 ROWS FETCH NEXT @p2 ROWS ONLY", clause)
	assert.Equal(t, []any{20, 10}, args)
}
