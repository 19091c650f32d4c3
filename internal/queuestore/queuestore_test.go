// Copyright 2025 James Ross
package queuestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/reliable-messaging-core/internal/connprovider"
	"github.com/flyingrobots/reliable-messaging-core/internal/dialect"
)

// sqliteDialect speaks Postgres syntax minus FOR UPDATE SKIP LOCKED, which
// SQLite has no grammar for. Immediate-mode transactions in the DSN
// serialize dequeue transactions, giving the tests the same no-double-lease
// guarantee the skip-locked select provides on Postgres.
type sqliteDialect struct{ dialect.Postgres }

func (d sqliteDialect) DequeueSelect(table string) (string, int) {
	query := fmt.Sprintf(`
		SELECT id, queue_name, message_type, payload, priority, enqueued_at, visible_at, dequeue_count, delay_seconds, acknowledged
		FROM %s
		WHERE queue_name = %s AND acknowledged = false AND (visible_at IS NULL OR visible_at <= %s)
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT 1
	`, table, d.Placeholder(1), d.Placeholder(2))
	return query, 2
}

func (sqliteDialect) BeginTxOptions() *sql.TxOptions { return &sql.TxOptions{} }

func testDSN(t *testing.T) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate", name)
}

func newTestStore(t *testing.T, lease time.Duration) *Store {
	t.Helper()
	o, err := connprovider.NewOwned("sqlite3", testDSN(t), sqliteDialect{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	s, err := New(o, "", "queue", lease)
	require.NoError(t, err)
	return s
}

func TestEnqueueDequeueRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	entry, err := s.Enqueue(ctx, "q", "e-1", "order.created", json.RawMessage(`{"x":1}`), &EnqueueOptions{Priority: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, entry.Priority)
	assert.Nil(t, entry.VisibleAt)

	got, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "e-1", got.ID)
	assert.Equal(t, "order.created", got.MessageType)
	assert.JSONEq(t, `{"x":1}`, string(got.Payload))
	assert.Equal(t, 1, got.DequeueCount)
	require.NotNil(t, got.VisibleAt)
	assert.True(t, got.VisibleAt.After(time.Now().UTC().Add(4*time.Minute)), "lease pushes visibility out by 5 minutes")
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	_, err := s.Enqueue(ctx, "q", "low-old", "x", json.RawMessage(`{}`), &EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Enqueue(ctx, "q", "high-1", "x", json.RawMessage(`{}`), &EnqueueOptions{Priority: 10})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Enqueue(ctx, "q", "high-2", "x", json.RawMessage(`{}`), &EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		e, err := s.Dequeue(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, e)
		order = append(order, e.ID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "low-old"}, order)
}

func TestDelayedEntryIsInvisibleUntilDue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	delay := 100 * time.Millisecond
	_, err := s.Enqueue(ctx, "q", "d-1", "x", json.RawMessage(`{}`), &EnqueueOptions{Delay: &delay})
	require.NoError(t, err)

	got, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, got, "delayed entry is not yet visible")

	time.Sleep(150 * time.Millisecond)
	got, err = s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "d-1", got.ID)
}

func TestLeasePreventsRedeliveryUntilExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 150*time.Millisecond)

	_, err := s.Enqueue(ctx, "q", "l-1", "x", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	first, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, second, "leased entry is invisible before the lease expires")

	time.Sleep(200 * time.Millisecond)
	third, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "l-1", third.ID)
	assert.Equal(t, 2, third.DequeueCount)
}

func TestAcknowledgeIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 10*time.Millisecond)

	_, err := s.Enqueue(ctx, "q", "a-1", "x", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	e, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, e)
	require.NoError(t, s.Acknowledge(ctx, "q", e.ID))

	time.Sleep(30 * time.Millisecond)
	got, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, got, "acknowledged entries are never dequeued again, even after lease expiry")
}

func TestRejectRequeueExposesImmediately(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	_, err := s.Enqueue(ctx, "q", "r-1", "x", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	e, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, e)

	require.NoError(t, s.Reject(ctx, "q", e.ID, true))

	again, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, again, "requeued entry is visible immediately despite the hour-long lease")
	assert.Equal(t, "r-1", again.ID)
}

func TestRejectWithoutRequeueDeletes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	_, err := s.Enqueue(ctx, "q", "rd-1", "x", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, s.Reject(ctx, "q", "rd-1", false))

	depth, err := s.GetQueueDepth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	require.Error(t, s.Reject(ctx, "q", "rd-1", false))
}

func TestConcurrentDequeuersNeverShareAnEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)
	require.NoError(t, s.EnsureSchema(ctx))

	const total = 40
	for i := 0; i < total; i++ {
		priority := 1
		if i%2 == 0 {
			priority = 10
		}
		_, err := s.Enqueue(ctx, "q", fmt.Sprintf("c-%02d", i), "x", json.RawMessage(`{}`), &EnqueueOptions{Priority: priority})
		require.NoError(t, err)
	}

	const workers = 4
	var mu sync.Mutex
	seen := make(map[string]int)
	var dequeueErr error
	var claimed atomic.Int32

	// Phase 1: four workers race for exactly the first half of the queue.
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if claimed.Add(1) > total/2 {
					return
				}
				e, err := s.Dequeue(ctx, "q")
				if err != nil {
					mu.Lock()
					dequeueErr = err
					mu.Unlock()
					return
				}
				if e == nil {
					return
				}
				mu.Lock()
				seen[e.ID]++
				mu.Unlock()
				if e.Priority != 10 {
					mu.Lock()
					dequeueErr = fmt.Errorf("entry %s with priority %d dequeued before the high-priority half drained", e.ID, e.Priority)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, dequeueErr)
	assert.Len(t, seen, total/2, "the first half of the dequeues covers every high-priority entry exactly once")

	// Phase 2: drain the remainder and check global exactly-once leasing.
	for {
		e, err := s.Dequeue(ctx, "q")
		require.NoError(t, err)
		if e == nil {
			break
		}
		seen[e.ID]++
		assert.Equal(t, 1, e.Priority, "only low-priority entries remain")
	}

	assert.Len(t, seen, total, "every entry dequeued")
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s leased more than once", id)
	}
}

func TestQueuesAreImplicit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	require.NoError(t, s.CreateQueue(ctx, "whatever"))

	exists, err := s.QueueExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Enqueue(ctx, "orders", "i-1", "x", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	exists, err = s.QueueExists(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, exists)

	queues, err := s.GetQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, queues)

	require.NoError(t, s.DeleteQueue(ctx, "orders"))
	exists, err = s.QueueExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPeekDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	_, err := s.Enqueue(ctx, "q", "p-1", "x", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	peeked, err := s.Peek(ctx, "q", 5)
	require.NoError(t, err)
	require.Len(t, peeked, 1)
	assert.Equal(t, 0, peeked[0].DequeueCount)

	got, err := s.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, got, "peek left the entry visible and unleased")
}
