// Package gcs provides a blob store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Config captures the parameters required to archive into GCS.
type Config struct {
	// Bucket is the target bucket name.
	Bucket string
	// Prefix is an optional object-name prefix inside the bucket.
	Prefix string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store. It authenticates using Google
// Cloud's Application Default Credentials unless options override the
// transport.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Verify checks that the bucket exists and is reachable, so a misconfigured
// deployment fails at startup instead of on the first archive write.
func (s *BlobStore) Verify(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("check gcs bucket %q: %w", s.bucket, err)
	}
	return nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", fmt.Errorf("object path is required")
	}
	name := s.objectName(objectPath)

	wc := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		wc.ContentType = contentType
	}
	if _, err := wc.Write(data); err != nil {
		// Close still runs to release the writer; the write error is the
		// one reported.
		_ = wc.Close()
		return "", fmt.Errorf("write object %s: %w", name, err)
	}
	// Close finalizes the upload and flushes any buffered data.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("finalize object %s: %w", name, err)
	}

	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

func (s *BlobStore) objectName(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

// Close releases the underlying client connection.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
