// Package gcs implements blobstore.Bucket on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"manualrag/internal/blobstore"
)

type Bucket struct {
	client *storage.Client
	bucket string
}

// New opens bucket with application default credentials unless opts say
// otherwise.
func New(ctx context.Context, bucket string, opts ...option.ClientOption) (*Bucket, error) {
	if bucket == "" {
		return nil, errors.New("vector store bucket not configured")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Bucket{client: client, bucket: bucket}, nil
}

func (b *Bucket) object(key string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(key)
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", blobstore.ErrObjectNotFound, b.bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", b.bucket, key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", b.bucket, key, err)
	}
	return data, nil
}

// Put replaces the object. GCS only makes the new object visible once the
// writer is closed successfully.
func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	w := b.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", b.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat gs://%s/%s: %w", b.bucket, key, err)
	}
	return true, nil
}

func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", b.bucket, prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Bucket) Close() error { return b.client.Close() }

var _ blobstore.Bucket = (*Bucket)(nil)
