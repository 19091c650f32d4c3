// Copyright 2025 James Ross
package dispatcher

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/reliable-messaging-core/internal/connprovider"
	"github.com/flyingrobots/reliable-messaging-core/internal/deadletter"
	"github.com/flyingrobots/reliable-messaging-core/internal/dialect"
	"github.com/flyingrobots/reliable-messaging-core/internal/inbox"
	"github.com/flyingrobots/reliable-messaging-core/internal/outbox"
	"github.com/flyingrobots/reliable-messaging-core/internal/queuestore"
)

// sqliteDialect speaks Postgres syntax minus the row-locking fragments
// SQLite has no grammar for; immediate-mode transactions in the DSN give the
// tests the same mutual exclusion.
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

func (sqliteDialect) LockTimeoutStatement(time.Duration) string { return "" }

func (sqliteDialect) BeginTxOptions() *sql.TxOptions { return &sql.TxOptions{} }

func testDSN(t *testing.T) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate", name)
}

type harness struct {
	outbox *outbox.Store
	inbox  *inbox.Store
	queue  *queuestore.Store
	dlq    *deadletter.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	o, err := connprovider.NewOwned("sqlite3", testDSN(t), sqliteDialect{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	ob, err := outbox.New(o, "", "outbox")
	require.NoError(t, err)
	ib, err := inbox.New(o, "", "inbox")
	require.NoError(t, err)
	q, err := queuestore.New(o, "", "queue", 0)
	require.NoError(t, err)
	dlq, err := deadletter.New(o, "", "dead_letter")
	require.NoError(t, err)

	return &harness{outbox: ob, inbox: ib, queue: q, dlq: dlq}
}

// quietBreaker keeps the breaker out of the way for tests that exercise
// retry accounting rather than downstream-health behavior.
func quietBreaker() BreakerConfig {
	return BreakerConfig{MinSamples: 1 << 30}
}
