package store

import "errors"

// Typed failures callers branch on with errors.Is. Storage-level failures
// (SQL errors, aborted transactions) propagate wrapped, untyped.
var (
	// ErrNoSuchGroup distinguishes "no row" from "row with unpopulated
	// fields" on lookups where the caller asserted existence.
	ErrNoSuchGroup      = errors.New("store: no such group")
	ErrNoSuchThread     = errors.New("store: no such thread")
	ErrNoSuchMessage    = errors.New("store: no such message")
	ErrNoSuchAttachment = errors.New("store: no such attachment")

	// ErrGroupExists is returned when creating a group whose group id or
	// canonical name is already taken.
	ErrGroupExists = errors.New("store: group already exists")

	// ErrNoSuchRecipient is returned when a recipient id has no row.
	ErrNoSuchRecipient = errors.New("store: no such recipient")

	// ErrUnsupportedOperation marks operations that are intentionally
	// unimplemented for message kinds not relevant to this deployment.
	// Calling one is a hard failure so dead code paths surface early.
	ErrUnsupportedOperation = errors.New("store: unsupported operation")
)
