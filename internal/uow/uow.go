// Copyright 2025 James Ross

// Package uow implements the Unit of Work (§4.D): one connection, one
// transaction, savepoints for partial rollback, and lazily-built store
// handles that all participate in that transaction. A Unit of Work is not
// safe for concurrent use; callers serialize access (§5).
package uow

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flyingrobots/reliable-messaging-core/internal/connprovider"
	"github.com/flyingrobots/reliable-messaging-core/internal/coreerrors"
	"github.com/flyingrobots/reliable-messaging-core/internal/dialect"
	"github.com/flyingrobots/reliable-messaging-core/internal/inbox"
	"github.com/flyingrobots/reliable-messaging-core/internal/messagestore"
	"github.com/flyingrobots/reliable-messaging-core/internal/outbox"
	"github.com/flyingrobots/reliable-messaging-core/internal/queuestore"
	"github.com/flyingrobots/reliable-messaging-core/internal/schema"
)

const component = "uow"

// Stores carries the prototype store handles a Factory rebinds onto each
// Unit of Work's transaction.
type Stores struct {
	Outbox   *outbox.Store
	Inbox    *inbox.Store
	Queue    *queuestore.Store
	Messages *messagestore.Store
}

// UnitOfWork scopes store operations to a single connection and transaction
// with savepoint support. Obtain one from a Factory.
type UnitOfWork struct {
	conn  *sql.Conn
	d     dialect.Dialect
	proto Stores

	tx         *sql.Tx
	savepoints []string
	disposed   bool

	outbox   *outbox.Store
	inbox    *inbox.Store
	queue    *queuestore.Store
	messages *messagestore.Store
}

// Acquire returns the active transaction, or the bare connection between
// transactions. UnitOfWork satisfies connprovider.Provider so the store
// handles it exposes run against its transaction transparently (§4.A shared
// mode).
func (u *UnitOfWork) Acquire(ctx context.Context) (connprovider.Execer, error) {
	if u.disposed {
		return nil, fmt.Errorf("uow: disposed")
	}
	if u.tx != nil {
		return u.tx, nil
	}
	return u.conn, nil
}

func (u *UnitOfWork) IsShared() bool { return true }

func (u *UnitOfWork) Dialect() dialect.Dialect { return u.d }

// Begin starts a transaction at the given isolation level. A second Begin
// while one is active is a caller bug and fails.
func (u *UnitOfWork) Begin(ctx context.Context, isolation sql.IsolationLevel) error {
	if u.disposed {
		return fmt.Errorf("uow: disposed")
	}
	if u.tx != nil {
		return fmt.Errorf("uow: transaction already active")
	}
	tx, err := u.conn.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	u.tx = tx
	u.savepoints = u.savepoints[:0]
	return nil
}

// Commit commits the active transaction.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction")
	}
	err := u.tx.Commit()
	u.tx = nil
	u.savepoints = u.savepoints[:0]
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return nil
}

// Rollback aborts the active transaction.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction")
	}
	err := u.tx.Rollback()
	u.tx = nil
	u.savepoints = u.savepoints[:0]
	if err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return nil
}

// Savepoint establishes a named savepoint in the active transaction. Names
// are validated identifiers, unique within the transaction.
func (u *UnitOfWork) Savepoint(ctx context.Context, name string) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction")
	}
	if err := schema.ValidateIdentifier(component, name); err != nil {
		return err
	}
	for _, existing := range u.savepoints {
		if existing == name {
			return fmt.Errorf("uow: savepoint %q already exists", name)
		}
	}
	if _, err := u.tx.ExecContext(ctx, u.d.SavepointStatement(name)); err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: name, Cause: err}
	}
	u.savepoints = append(u.savepoints, name)
	return nil
}

// RollbackToSavepoint rewinds the transaction to the named savepoint and
// discards every savepoint created after it. The named savepoint itself
// remains established.
func (u *UnitOfWork) RollbackToSavepoint(ctx context.Context, name string) error {
	if u.tx == nil {
		return fmt.Errorf("uow: no active transaction")
	}
	idx := -1
	for i, existing := range u.savepoints {
		if existing == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &coreerrors.NotFoundError{Component: component, Key: name}
	}
	if _, err := u.tx.ExecContext(ctx, u.d.RollbackToSavepointStatement(name)); err != nil {
		return &coreerrors.ConnectivityError{Component: component, Key: name, Cause: err}
	}
	u.savepoints = u.savepoints[:idx+1]
	return nil
}

// Dispose rolls back any active transaction and releases the connection.
// Safe to call twice.
func (u *UnitOfWork) Dispose() error {
	if u.disposed {
		return nil
	}
	u.disposed = true
	if u.tx != nil {
		_ = u.tx.Rollback()
		u.tx = nil
	}
	u.savepoints = nil
	return u.conn.Close()
}

// Outbox returns this Unit of Work's outbox handle, bound to its
// connection/transaction. Built on first use.
func (u *UnitOfWork) Outbox() *outbox.Store {
	if u.outbox == nil {
		u.outbox = u.proto.Outbox.WithProvider(u)
	}
	return u.outbox
}

// Inbox returns this Unit of Work's inbox handle.
func (u *UnitOfWork) Inbox() *inbox.Store {
	if u.inbox == nil {
		u.inbox = u.proto.Inbox.WithProvider(u)
	}
	return u.inbox
}

// Queue returns this Unit of Work's queue handle.
func (u *UnitOfWork) Queue() *queuestore.Store {
	if u.queue == nil {
		u.queue = u.proto.Queue.WithProvider(u)
	}
	return u.queue
}

// Messages returns this Unit of Work's message store handle.
func (u *UnitOfWork) Messages() *messagestore.Store {
	if u.messages == nil {
		u.messages = u.proto.Messages.WithProvider(u)
	}
	return u.messages
}

// Factory creates Units of Work over an owned connection pool. Create is the
// typical integration entry point: the returned Unit of Work already has an
// active transaction (§4.D).
type Factory struct {
	owned  *connprovider.Owned
	stores Stores
}

// NewFactory builds a Factory from the owned provider and the prototype
// stores whose configuration (schema, tables, lease) each Unit of Work
// inherits.
func NewFactory(owned *connprovider.Owned, stores Stores) *Factory {
	return &Factory{owned: owned, stores: stores}
}

// Create returns a Unit of Work with a transaction already active at the
// given isolation level. The caller owns its lifecycle: Commit or Rollback,
// then Dispose.
func (f *Factory) Create(ctx context.Context, isolation sql.IsolationLevel) (*UnitOfWork, error) {
	u, err := f.CreateInactive(ctx)
	if err != nil {
		return nil, err
	}
	if err := u.Begin(ctx, isolation); err != nil {
		_ = u.Dispose()
		return nil, err
	}
	return u, nil
}

// CreateInactive returns a Unit of Work holding a dedicated connection but
// no transaction yet; callers invoke Begin themselves.
func (f *Factory) CreateInactive(ctx context.Context) (*UnitOfWork, error) {
	conn, err := f.owned.DB().Conn(ctx)
	if err != nil {
		return nil, &coreerrors.ConnectivityError{Component: component, Key: "", Cause: err}
	}
	return &UnitOfWork{conn: conn, d: f.owned.Dialect(), proto: f.stores}, nil
}
