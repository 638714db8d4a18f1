package gcs

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
)

// New creates a storage client using application default credentials and
// checks that the bucket is reachable.
func New(ctx context.Context, bucket string) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client failed: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := client.Bucket(bucket).Attrs(checkCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check gcs bucket %s failed: %w", bucket, err)
	}
	return client, nil
}
