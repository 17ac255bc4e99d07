// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// Metadata is attached to every object written.
	Metadata map[string]string
}

// BlobStore writes raw pages to a configured GCS bucket.
type BlobStore struct {
	client   *storage.Client
	bucket   string
	metadata map[string]string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client:   client,
		bucket:   cfg.Bucket,
		metadata: cfg.Metadata,
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
// Uploads are idempotent for a given path, so transient errors are always retried.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	obj := s.client.Bucket(s.bucket).Object(path).Retryer(storage.WithPolicy(storage.RetryAlways))
	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if len(s.metadata) > 0 {
		writer.Metadata = s.metadata
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
