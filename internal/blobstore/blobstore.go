// Package blobstore defines the remote key/value backend used to replicate
// index generations and to read the document corpus.
package blobstore

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Bucket stores opaque payloads under slash-separated keys.
type Bucket interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
