// Copyright 2025 James Ross
package connprovider

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flyingrobots/reliable-messaging-core/internal/dialect"
)

// Execer is the subset of *sql.DB / *sql.Tx that stores depend on. Both
// satisfy it, which is what lets a store run unmodified against either an
// owned connection or a shared Unit-of-Work transaction (§4.A).
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Provider supplies an Execer to store operations and tells them whether it
// is safe to open nested transactions (owned mode) or whether they must
// participate in an ambient one (shared mode, §4.A).
type Provider interface {
	// Acquire returns the Execer to use for this call.
	Acquire(ctx context.Context) (Execer, error)

	// IsShared reports whether the underlying connection/transaction is
	// owned by an outer caller (a Unit of Work) rather than this provider.
	IsShared() bool

	// Dialect returns the SQL dialect in effect.
	Dialect() dialect.Dialect
}

// Owned wraps a connection string: each operation runs against the pooled
// *sql.DB directly (the driver's own pool supplies short-lived connections;
// §4.A says "opens, uses, and disposes" — with database/sql that discipline
// is the pool's job, not the caller's). There is no ambient transaction.
type Owned struct {
	db *sql.DB
	d  dialect.Dialect
}

// NewOwned opens (lazily — sql.Open never dials) a connection pool for the
// given driver and connection string.
func NewOwned(driverName, connString string, d dialect.Dialect) (*Owned, error) {
	db, err := sql.Open(driverName, connString)
	if err != nil {
		return nil, fmt.Errorf("connprovider: open %s: %w", driverName, err)
	}
	return &Owned{db: db, d: d}, nil
}

func (o *Owned) Acquire(ctx context.Context) (Execer, error) {
	if err := o.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connprovider: ping: %w", err)
	}
	return o.db, nil
}

func (o *Owned) IsShared() bool { return false }

func (o *Owned) Dialect() dialect.Dialect { return o.d }

// DB exposes the underlying pool for callers that need to start their own
// transactions (the Unit of Work factory, §4.D).
func (o *Owned) DB() *sql.DB { return o.db }

// Close releases the underlying pool.
func (o *Owned) Close() error { return o.db.Close() }

// Shared wraps a connection/transaction handed in by an outer Unit of Work.
// Operations never commit, rollback, or close it — that is the UoW's job.
type Shared struct {
	execer Execer
	d      dialect.Dialect
}

// NewShared builds a provider over an already-open connection or
// transaction, used to make store operations participate in an outer Unit
// of Work (§4.A "Shared" mode).
func NewShared(execer Execer, d dialect.Dialect) *Shared {
	return &Shared{execer: execer, d: d}
}

func (s *Shared) Acquire(ctx context.Context) (Execer, error) { return s.execer, nil }

func (s *Shared) IsShared() bool { return true }

func (s *Shared) Dialect() dialect.Dialect { return s.d }
