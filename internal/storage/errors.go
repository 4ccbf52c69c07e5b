package storage

import "errors"

var (
	// ErrNotFound means the referenced id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means the operation was attempted from a status
	// that forbids it. Idempotent callers may treat this as a no-op.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRetryExhausted means a failed job has no attempt budget left.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)
