// Package storage provides S3-compatible object storage and the forecast
// archive built on it.
package storage

import (
	"context"
	"io"
)

// ObjectStore defines the object storage operations the archive needs.
type ObjectStore interface {
	// EnsureBucketExists creates the bucket if it doesn't exist.
	EnsureBucketExists(ctx context.Context, bucket string) error

	// PutObject stores size bytes from reader under key.
	PutObject(ctx context.Context, bucket, key, contentType string, reader io.Reader, size int64) error

	// GetObject opens an object for reading.
	// The caller is responsible for closing the returned io.ReadCloser.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Config defines the configuration interface for storage.
type Config interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	IsMinIOEnabled() bool
}
