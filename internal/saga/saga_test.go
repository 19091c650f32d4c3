// Copyright 2025 James Ross
package saga

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/reliable-messaging-core/internal/connprovider"
	"github.com/flyingrobots/reliable-messaging-core/internal/coreerrors"
	"github.com/flyingrobots/reliable-messaging-core/internal/dialect"
)

// sqliteDialect speaks Postgres placeholder/pagination syntax (which SQLite
// accepts) but strips the row-locking fragments SQLite has no grammar for.
// SQLite serializes writers at the database level, so the tests get the same
// mutual exclusion through immediate-mode transactions in the DSN.
type sqliteDialect struct{ dialect.Postgres }

func (d sqliteDialect) SagaLockSelect(table string) string {
	return fmt.Sprintf(`SELECT version FROM %s WHERE correlation_id = %s AND saga_type = %s`,
		table, d.Placeholder(1), d.Placeholder(2))
}

func (sqliteDialect) LockTimeoutStatement(time.Duration) string { return "" }

// go-sqlite3 rejects explicit ReadCommitted; SQLite's serialized writers
// give the stronger guarantee anyway.
func (sqliteDialect) BeginTxOptions() *sql.TxOptions { return &sql.TxOptions{} }

func testDSN(t *testing.T) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate", name)
}

type orderSaga struct {
	OrderID string `json:"order_id"`
	Step    int    `json:"step"`
}

func newTestStore(t *testing.T) *Store[orderSaga] {
	t.Helper()
	o, err := connprovider.NewOwned("sqlite3", testDSN(t), sqliteDialect{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	s, err := New[orderSaga](o, "", "sagas", "OrderSaga", JSONCodec[orderSaga]{}, 0)
	require.NoError(t, err)
	return s
}

func TestSaveThenFindRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := &Instance[orderSaga]{
		CorrelationID: "cid-1",
		CurrentState:  "AwaitingPayment",
		Data:          &orderSaga{OrderID: "o-1", Step: 1},
	}
	require.NoError(t, s.Save(ctx, inst))
	assert.False(t, inst.CreatedAt.IsZero())
	assert.Equal(t, inst.CreatedAt, inst.UpdatedAt)

	got, err := s.Find(ctx, "cid-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "AwaitingPayment", got.CurrentState)
	assert.Equal(t, int64(0), got.Version)
	assert.Equal(t, "o-1", got.Data.OrderID)
}

func TestFindReturnsNilForUnknownOrForeignType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.Find(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)

	// A saga saved under a different saga_type is invisible to this handle.
	other, err := New[orderSaga](providerOf(t, s), "", "sagas", "RefundSaga", JSONCodec[orderSaga]{}, 0)
	require.NoError(t, err)
	require.NoError(t, other.Save(ctx, &Instance[orderSaga]{CorrelationID: "cid-r", CurrentState: "New", Data: &orderSaga{}}))

	got, err = s.Find(ctx, "cid-r")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func providerOf[T any](t *testing.T, s *Store[T]) connprovider.Provider {
	t.Helper()
	return s.provider
}

func TestSaveDuplicateCorrelationIDRaisesAlreadyExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := &Instance[orderSaga]{CorrelationID: "dup-1", CurrentState: "New", Data: &orderSaga{}}
	require.NoError(t, s.Save(ctx, inst))

	err := s.Save(ctx, &Instance[orderSaga]{CorrelationID: "dup-1", CurrentState: "New", Data: &orderSaga{}})
	var dup *coreerrors.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "dup-1", dup.Key)
}

func TestUpdateIncrementsVersionAndBumpsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := &Instance[orderSaga]{CorrelationID: "up-1", CurrentState: "New", Data: &orderSaga{Step: 1}}
	require.NoError(t, s.Save(ctx, inst))
	before := inst.UpdatedAt

	time.Sleep(2 * time.Millisecond)
	inst.CurrentState = "AwaitingShipment"
	inst.Data.Step = 2
	require.NoError(t, s.Update(ctx, inst))
	assert.Equal(t, int64(1), inst.Version)
	assert.True(t, inst.UpdatedAt.After(before))

	got, err := s.Find(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "AwaitingShipment", got.CurrentState)
	assert.Equal(t, 2, got.Data.Step)
}

func TestUpdateWithStaleVersionRaisesConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := &Instance[orderSaga]{CorrelationID: "cc-1", CurrentState: "New", Data: &orderSaga{}}
	require.NoError(t, s.Save(ctx, inst))
	require.NoError(t, s.Update(ctx, inst)) // stored version is now 1

	stale := &Instance[orderSaga]{CorrelationID: "cc-1", CurrentState: "Other", Version: 0, Data: &orderSaga{}}
	err := s.Update(ctx, stale)
	var conflict *coreerrors.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(0), conflict.Actual)

	// Nothing changed.
	got, err := s.Find(ctx, "cc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.NotEqual(t, "Other", got.CurrentState)
}

func TestUpdateUnknownSagaRaisesNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureSchema(ctx))

	err := s.Update(ctx, &Instance[orderSaga]{CorrelationID: "ghost", CurrentState: "x", Data: &orderSaga{}})
	var notFound *coreerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestConcurrentUpdateExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, &Instance[orderSaga]{CorrelationID: "race-1", CurrentState: "New", Data: &orderSaga{}}))

	// Two workers read the saga at version 0, then race to update it.
	a, err := s.Find(ctx, "race-1")
	require.NoError(t, err)
	b, err := s.Find(ctx, "race-1")
	require.NoError(t, err)

	a.CurrentState = "PathA"
	b.CurrentState = "PathB"

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, inst := range []*Instance[orderSaga]{a, b} {
		wg.Add(1)
		go func(i int, inst *Instance[orderSaga]) {
			defer wg.Done()
			errs[i] = s.Update(ctx, inst)
		}(i, inst)
	}
	wg.Wait()

	var conflicts, successes int
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var conflict *coreerrors.ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(0), conflict.Actual)
		conflicts++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	got, err := s.Find(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	winner := a
	if errs[0] != nil {
		winner = b
	}
	assert.Equal(t, winner.CurrentState, got.CurrentState)
}

func TestFindByStateOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"fs-1", "fs-2", "fs-3"} {
		require.NoError(t, s.Save(ctx, &Instance[orderSaga]{CorrelationID: id, CurrentState: "Waiting", Data: &orderSaga{}}))
		time.Sleep(2 * time.Millisecond)
	}

	got, err := s.FindByState(ctx, "Waiting", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "fs-3", got[0].CorrelationID)
	assert.Equal(t, "fs-1", got[2].CorrelationID)
}

func TestFindStaleReturnsOnlyIncompleteOldRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stale := &Instance[orderSaga]{CorrelationID: "st-1", CurrentState: "Waiting", Data: &orderSaga{}}
	require.NoError(t, s.Save(ctx, stale))

	completed := &Instance[orderSaga]{CorrelationID: "st-2", CurrentState: "Done", IsCompleted: true, Data: &orderSaga{}}
	require.NoError(t, s.Save(ctx, completed))

	time.Sleep(100 * time.Millisecond)

	fresh := &Instance[orderSaga]{CorrelationID: "st-3", CurrentState: "Waiting", Data: &orderSaga{}}
	require.NoError(t, s.Save(ctx, fresh))

	got, err := s.FindStale(ctx, 50*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "st-1", got[0].CorrelationID)
}

func TestDeleteRemovesSaga(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, &Instance[orderSaga]{CorrelationID: "del-1", CurrentState: "New", Data: &orderSaga{}}))
	require.NoError(t, s.Delete(ctx, "del-1"))

	got, err := s.Find(ctx, "del-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	var notFound *coreerrors.NotFoundError
	require.ErrorAs(t, s.Delete(ctx, "del-1"), &notFound)
}
