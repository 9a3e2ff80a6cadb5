package storage

import "errors"

var (
	// ErrNotFound means the requested document does not exist.
	// Surfaced to callers directly, never retried.
	ErrNotFound = errors.New("storage: not found")

	// ErrUnavailable means a transient storage or network failure.
	// Callers retry with bounded backoff at the point of occurrence.
	ErrUnavailable = errors.New("storage: store unavailable")

	// ErrStateRegression means a write tried to move a record's state
	// backward (e.g. retired -> pending). States only move forward.
	ErrStateRegression = errors.New("storage: record state moved backward")
)

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
