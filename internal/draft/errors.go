// Package draft provides the ephemeral staging store and per-type
// validation for entities being configured before deployment.
package draft

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for draft operations. Use errors.Is() in calling code.
var (
	// ErrNotFound indicates the draft does not exist or has expired.
	ErrNotFound = errors.New("draft not found")

	// ErrConflict indicates the draft is already finalizing. A concurrent
	// finalize lost the race; callers should re-check state, not retry.
	ErrConflict = errors.New("draft already finalizing")

	// ErrTypeMismatch indicates the entity type in the request does not
	// match the draft's immutable type.
	ErrTypeMismatch = errors.New("entity type mismatch")
)

// ValidationError carries the full list of violations found in a draft
// payload. All errors are collected in one pass, never just the first.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("draft validation failed: %s", strings.Join(e.Errors, "; "))
}
