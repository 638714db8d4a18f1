package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

type GCSStore struct {
	bucket *storage.BucketHandle
	name   string
	logger *slog.Logger
}

func NewGCSStore(client *storage.Client, bucket string, logger *slog.Logger) *GCSStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSStore{
		bucket: client.Bucket(bucket),
		name:   bucket,
		logger: logger,
	}
}

func (s *GCSStore) Put(ctx context.Context, name, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file failed: %w", err)
	}
	defer f.Close()

	writer := s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, f); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write gcs object %s failed: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			s.logger.Info("gcs object already exists", "bucket", s.name, "object", name)
			return nil
		}
		return fmt.Errorf("finalize gcs object %s failed: %w", name, err)
	}
	return nil
}

func (s *GCSStore) Delete(ctx context.Context, name string) error {
	if err := s.bucket.Object(name).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("delete gcs object %s failed: %w", name, err)
	}
	return nil
}

func (s *GCSStore) SignedURL(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if _, err := s.bucket.Object(name).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("stat gcs object %s failed: %w", name, err)
	}
	url, err := s.bucket.SignedURL(name, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign gcs url for %s failed: %w", name, err)
	}
	return url, nil
}
