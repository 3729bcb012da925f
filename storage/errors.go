package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a task or result is not found.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by a repository used after Close.
	ErrClosed = errors.New("repository closed")
)
