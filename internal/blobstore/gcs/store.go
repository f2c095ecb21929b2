package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/khwj/personal-analytics/internal/sync"
)

// Store implements sync.BlobStore over a Cloud Storage bucket
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// New opens a client for bucket
func New(ctx context.Context, bucket string, opts ...option.ClientOption) (*Store, error) {
	if bucket == "" {
		return nil, sync.NewError(sync.KindConfig, "gcs", errors.New("bucket name is required"))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, sync.NewError(sync.KindConfig, "gcs", fmt.Errorf("failed to create storage client: %w", err))
	}
	return &Store{client: client, bucket: client.Bucket(bucket), name: bucket}, nil
}

// Close releases the client
func (s *Store) Close() error {
	return s.client.Close()
}

// Put uploads data under key with metadata as custom object metadata
func (s *Store) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	w := s.bucket.Object(key).NewWriter(ctx)
	w.Metadata = metadata
	w.ContentType = contentType(metadata)

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return sync.NewError(sync.KindStorage, "put object", fmt.Errorf("gs://%s/%s: %w", s.name, key, err))
	}
	if err := w.Close(); err != nil {
		return sync.NewError(sync.KindStorage, "put object", fmt.Errorf("gs://%s/%s: %w", s.name, key, err))
	}
	return nil
}

// Get downloads the object at key with its metadata
func (s *Store) Get(ctx context.Context, key string) (*sync.Blob, error) {
	obj := s.bucket.Object(key)

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, sync.ErrNotFound
		}
		return nil, sync.NewError(sync.KindStorage, "get object", err)
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, sync.ErrNotFound
		}
		return nil, sync.NewError(sync.KindStorage, "get object", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, sync.NewError(sync.KindStorage, "read object", err)
	}
	return &sync.Blob{Key: key, Data: data, Metadata: attrs.Metadata}, nil
}

func contentType(metadata map[string]string) string {
	if ct := metadata["mimeType"]; ct != "" {
		return ct
	}
	return "application/octet-stream"
}
