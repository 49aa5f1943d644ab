// Package errs defines the error taxonomy shared by the sync engine,
// the ledger store, and the destination clients. Every failure carries a
// category and a retryable flag so callers can decide whether a later run
// should re-attempt the item.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies where a failure originated.
type Category string

const (
	Source      Category = "source"
	Destination Category = "destination"
	Database    Category = "database"
	Sync        Category = "sync"
	Validation  Category = "validation"
)

// Error is a tagged error: a category discriminant plus a retryable flag
// and an optional wrapped cause.
type Error struct {
	Category  Category
	Retryable bool
	Message   string
	// ItemID is set for per-item failures so every error stays
	// attributable to a specific item.
	ItemID string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel engine-state errors.
var (
	ErrAlreadyRunning      = errors.New("sync already running")
	ErrNotRunning          = errors.New("no sync running")
	ErrCancelled           = errors.New("sync cancelled")
	ErrNothingToSync       = errors.New("nothing to sync")
	ErrVerificationRunning = errors.New("verification already running")
)

// PartialFailure is returned by a completed run in which some items
// failed. The job itself still finalizes as completed; the next run
// re-attempts anything the ledger does not contain.
type PartialFailure struct {
	Success int64
	Failure int64
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("sync completed with %d failures (%d succeeded)", e.Failure, e.Success)
}

// NewSource wraps a source enumerator/export failure. Transient download
// failures (e.g. an item still being fetched from cloud storage) are
// retryable; authorization and unsupported-type failures are not.
func NewSource(msg, itemID string, retryable bool, err error) *Error {
	return &Error{Category: Source, Retryable: retryable, Message: msg, ItemID: itemID, Err: err}
}

// NewDestination wraps a destination client failure. Connection, upload
// and fingerprint-mismatch failures are retryable; auth, configuration
// and not-found failures are not.
func NewDestination(msg, itemID string, retryable bool, err error) *Error {
	return &Error{Category: Destination, Retryable: retryable, Message: msg, ItemID: itemID, Err: err}
}

// NewDatabase wraps a ledger failure. Only transient lock/busy query
// failures are retryable; corruption and migration failures are fatal.
func NewDatabase(msg string, retryable bool, err error) *Error {
	return &Error{Category: Database, Retryable: retryable, Message: msg, Err: err}
}

// NewValidation reports malformed or missing input. Never retryable.
func NewValidation(msg string) *Error {
	return &Error{Category: Validation, Retryable: false, Message: msg}
}

// CategoryOf extracts the category from err, or Sync for engine
// sentinels and unknown errors.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return Sync
}

// ShouldRetry reports whether a later run may reasonably re-attempt the
// operation that produced err.
func ShouldRetry(err error) bool {
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
