// Package storage defines the interface for object storage operations.
// Swap implementations by changing the concrete type injected at startup;
// the MinIO implementation works with any S3-compatible provider.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when no object exists at the requested key.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object without its content.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Storage is the interface for coordinating direct-to-storage uploads.
type Storage interface {
	// PresignPut returns a time-limited signed PUT URL for key. The signature
	// covers bucket and key only, so the client may send any Content-Type.
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	// PresignGet returns a time-limited signed GET URL for key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Stat probes object metadata without downloading content (HEAD).
	// Returns ErrNotFound when nothing exists at key.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Get opens the object content for reading. Caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes an object identified by key.
	Delete(ctx context.Context, key string) error
	// List returns metadata for every object under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
