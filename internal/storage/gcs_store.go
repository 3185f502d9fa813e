package storage

import (
	"context"
	"fmt"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/mongodb-sink/internal/logging"
)

// GCSStore implements LargeObjectStore on a Google Cloud Storage bucket.
// It is the alternative to GridFS for deployments that already keep
// crawl artifacts in object storage. Put returns a gs:// URI string.
type GCSStore struct {
	client *gcs.Client
	bucket string
	logger *zap.Logger
}

// NewGCSStore initializes a GCS client and verifies the bucket exists.
// Authentication is handled via Google's Application Default Credentials.
func NewGCSStore(ctx context.Context, bucket string, logger *zap.Logger) (*GCSStore, error) {
	logger = logging.OrNop(logger)

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	// Fail fast on startup if the bucket is missing or inaccessible.
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("Failed to close GCS client after bucket check failure", zap.Error(cerr))
		}
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", bucket, err)
	}

	return &GCSStore{client: client, bucket: bucket, logger: logger}, nil
}

// Put uploads data to a generated object name and returns its gs:// URI.
func (s *GCSStore) Put(ctx context.Context, data []byte) (any, error) {
	object := "large-objects/" + uuid.NewString()

	wc := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if _, err := wc.Write(data); err != nil {
		if cerr := wc.Close(); cerr != nil {
			s.logger.Warn("Failed to close GCS writer after write failure", zap.Error(cerr))
		}
		return nil, fmt.Errorf("write gcs object %s: %w", object, err)
	}
	// Close finalizes the upload and flushes any buffered data.
	if err := wc.Close(); err != nil {
		return nil, fmt.Errorf("close gcs writer for object %s: %w", object, err)
	}

	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Close releases the underlying GCS client.
func (s *GCSStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
