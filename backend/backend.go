// Package backend stores the files behind the page caches and gallery
// directories under slash separated keys.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// StagedWriter is a write that only becomes visible under its key when
// Close returns nil. Abort discards the staged data and leaves any previous
// value intact.
type StagedWriter interface {
	io.WriteCloser
	Abort() error
}

// WalkFunc is called for every committed key with its size in bytes.
type WalkFunc func(key string, size int64) error

// Backend is a flat key space of files. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Create stages a write of key.
	Create(ctx context.Context, key string) (StagedWriter, error)

	// Open opens key for reading. It returns ErrNotFound if key is absent.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns the size of key, or ErrNotFound.
	Stat(ctx context.Context, key string) (int64, error)

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Walk calls fn for every committed key. Staged writes are skipped.
	Walk(ctx context.Context, fn WalkFunc) error
}
