package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store using Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a new GCS-backed blob store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectPath(ref string) string {
	if rest, ok := strings.CutPrefix(ref, "gs://"+s.bucket+"/"); ok {
		return rest
	}
	return s.prefix + ref
}

// Put uploads data under prefix+key.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (*Location, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	objectPath := s.prefix + key
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gcs close failed: %w", err)
	}
	return &Location{Bucket: s.bucket, Key: objectPath, URL: "gs://" + s.bucket + "/" + objectPath}, nil
}

// Get downloads an object by key or gs:// URL.
func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.objectPath(ref)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
