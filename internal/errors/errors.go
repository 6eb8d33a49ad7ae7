package errors

import "errors"

// Record and scan errors.
var (
	// ErrValidation marks a malformed record: empty path, negative size or
	// date, missing folder identity. Construction never returns a partially
	// built record alongside it.
	ErrValidation = errors.New("invalid record")

	// ErrIdentityMismatch means a disk entry was reconciled against a record
	// for a different path. It is a caller bug and is never retried.
	ErrIdentityMismatch = errors.New("disk entry does not match record")

	// ErrIO wraps stat and listing failures. The entry is skipped and picked
	// up again on the next scan pass.
	ErrIO = errors.New("disk access failed")
)

// Store errors.
var (
	ErrFolderNotFound      = errors.New("folder not found")
	ErrStoreNotInitialized = errors.New("folder buckets not initialized")
)
