// Copyright 2025 James Ross
package idgen

import "github.com/google/uuid"

// New returns an opaque row identifier. Rows are keyed by caller-supplied or
// generated strings (§3): callers that need a stable id before the first
// write (e.g. a saga correlation id) call this directly.
func New() string {
	return uuid.New().String()
}
