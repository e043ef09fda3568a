// Package gcs provides a BlobStore backed by Google Cloud Storage, the
// bucket Earth Engine exports land in.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

// DefaultPageSize is the number of objects requested per listing call.
const DefaultPageSize = 500

// Config captures the parameters required to use a bucket.
type Config struct {
	Bucket   string
	PageSize int
}

// BlobStore reads and writes objects in a configured GCS bucket.
type BlobStore struct {
	client   *storage.Client
	bucket   string
	pageSize int
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &BlobStore{
		client:   client,
		bucket:   cfg.Bucket,
		pageSize: cfg.PageSize,
	}, nil
}

// Bucket returns the configured bucket name.
func (s *BlobStore) Bucket() string {
	return s.bucket
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// OpenObject starts a streaming download of one object.
func (s *BlobStore) OpenObject(ctx context.Context, path string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, path, err)
	}
	return reader, nil
}

// ListObjects pages through objects under prefix in the bucket's lexical
// order. Each call to Next fetches a new page only when the previous one is
// exhausted.
func (s *BlobStore) ListObjects(ctx context.Context, prefix string) geoexport.ObjectIterator {
	query := &storage.Query{Prefix: prefix}
	_ = query.SetAttrSelection([]string{"Name", "Size", "Updated"})
	it := s.client.Bucket(s.bucket).Objects(ctx, query)
	it.PageInfo().MaxSize = s.pageSize
	return &objectIterator{it: it, bucket: s.bucket}
}

type objectIterator struct {
	it     *storage.ObjectIterator
	bucket string
}

func (o *objectIterator) Next() (geoexport.ObjectInfo, error) {
	for {
		attrs, err := o.it.Next()
		if errors.Is(err, iterator.Done) {
			return geoexport.ObjectInfo{}, geoexport.ErrIteratorDone
		}
		if err != nil {
			return geoexport.ObjectInfo{}, fmt.Errorf("list gs://%s: %w", o.bucket, err)
		}
		// Folder placeholders created by the console have a trailing slash.
		if attrs.Name == "" || strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		return geoexport.ObjectInfo{Path: attrs.Name, Size: attrs.Size, Updated: attrs.Updated}, nil
	}
}
