package storage

import (
	"context"
	"errors"
)

// Backend is the blob store behind batch archives and persisted models.
// Implementations cover the local filesystem, S3-compatible object stores,
// and an embedded SQLite database.
type Backend interface {
	// Write stores data under key, replacing any previous value.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the value stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Delete removes the value stored under key.
	Delete(ctx context.Context, key string) error

	// List returns all keys matching a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether a key holds a value.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// ErrNotFound signals a read of a key with no value.
var ErrNotFound = errors.New("key not found")
