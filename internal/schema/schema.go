// Copyright 2025 James Ross

// Package schema validates identifiers and runs the idempotent DDL that
// brings a store's schema and tables into existence on first use (§4.B).
package schema

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/flyingrobots/reliable-messaging-core/internal/connprovider"
	"github.com/flyingrobots/reliable-messaging-core/internal/coreerrors"
	"github.com/flyingrobots/reliable-messaging-core/internal/dialect"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier enforces the schema/table naming rule: it must match
// ^[A-Za-z_][A-Za-z0-9_]*$. Called before any identifier is interpolated
// into SQL (§4.B) — component is the calling store's name, used to build a
// coreerrors.IdentifierInvalidError carrying the offending value.
func ValidateIdentifier(component, name string) error {
	if !identifierPattern.MatchString(name) {
		return &coreerrors.IdentifierInvalidError{Component: component, Identifier: name}
	}
	return nil
}

// Initializer runs a store's DDL exactly once per instance, guarded by
// mutex-protected latches to prevent concurrent DDL storms when multiple
// goroutines touch the same store for the first time (§4.B, §5). Schema
// creation and the table script latch independently: both fire exactly once
// for stores configured with a non-default schema.
type Initializer struct {
	provider connprovider.Provider

	mu         sync.Mutex
	schemaDone bool
	schemaErr  error
	scriptDone bool
	scriptErr  error
}

// NewInitializer builds a latch bound to the given provider.
func NewInitializer(provider connprovider.Provider) *Initializer {
	return &Initializer{provider: provider}
}

// EnsureSchema runs initSchema(name) at most once for the lifetime of this
// Initializer. The default schema ("public" or empty) is a no-op; any other
// name must already be a validated identifier.
func (i *Initializer) EnsureSchema(ctx context.Context, component, schemaName string) error {
	if schemaName == "" || schemaName == "public" {
		return nil
	}
	if err := ValidateIdentifier(component, schemaName); err != nil {
		return err
	}
	return i.once(ctx, &i.schemaDone, &i.schemaErr, func(ex connprovider.Execer, d dialect.Dialect) error {
		_, err := ex.ExecContext(ctx, d.CreateSchemaIfNotExists(schemaName))
		return err
	})
}

// ExecuteScript runs a single DDL batch against the ambient connection/txn,
// exactly once, the first time it is called on this Initializer (§4.B).
// Callers pass a function so the DDL text can reference the resolved
// dialect (column types, quoting).
func (i *Initializer) ExecuteScript(ctx context.Context, build func(d dialect.Dialect) string) error {
	return i.once(ctx, &i.scriptDone, &i.scriptErr, func(ex connprovider.Execer, d dialect.Dialect) error {
		ddl := build(d)
		_, err := ex.ExecContext(ctx, ddl)
		return err
	})
}

func (i *Initializer) once(ctx context.Context, done *bool, latchErr *error, run func(ex connprovider.Execer, d dialect.Dialect) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if *done {
		return *latchErr
	}

	ex, err := i.provider.Acquire(ctx)
	if err != nil {
		*done = true
		*latchErr = fmt.Errorf("schema: acquire connection: %w", err)
		return *latchErr
	}

	*latchErr = run(ex, i.provider.Dialect())
	*done = true
	return *latchErr
}

// Reset clears the latches so the next calls re-run the DDL. Intended for
// tests that reuse an Initializer across multiple in-memory databases.
func (i *Initializer) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.schemaDone = false
	i.schemaErr = nil
	i.scriptDone = false
	i.scriptErr = nil
}
