package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// NewGCSFS opens a Google Cloud Storage bucket as an FS.
func NewGCSFS(bucketName, prefix string) (*BlobFS, error) {
	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}

	return newBlobFS(bucket, "gs", bucketName, prefix), nil
}
