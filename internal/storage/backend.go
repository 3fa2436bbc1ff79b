// Package storage stages uploaded archives in a content backend and
// materializes them as local files for extraction.
package storage

import (
	"context"
	"io"
)

// Backend is raw object I/O for staged uploads.
type Backend interface {
	// GetObject returns the object body and its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object. Missing objects are not an error.
	DeleteObject(ctx context.Context, key string) error

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
