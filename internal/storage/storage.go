// Package storage is the object-store collaborator holding job inputs and per-item results.
package storage

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a bucket or key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the blob surface the coordinator depends on.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error
	// DeleteBucket removes every object in bucket and then the bucket.
	DeleteBucket(ctx context.Context, bucket string) error
	PutBlob(ctx context.Context, bucket, key string, data []byte) error
	GetBlob(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	DeleteBlob(ctx context.Context, bucket, key string) error
	// ListKeys yields keys lazily, page by page. Iteration stops after the first error.
	ListKeys(ctx context.Context, bucket string) iter.Seq2[string, error]
}

// NewResultKey generates a unique key for one stored item result.
func NewResultKey() string {
	return uuid.NewString()
}
