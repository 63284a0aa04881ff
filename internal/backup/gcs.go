// Package backup uploads raw session audio to object storage so a failed
// stream can be re-transcribed offline.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Uploader stores a local file under an object path.
type Uploader interface {
	UploadFile(ctx context.Context, objectPath, localPath string) error
}

// GCSUploader implements Uploader against a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
}

// NewGCSUploader creates an uploader for the given bucket. credentialsJSON
// may be empty to use ambient credentials.
func NewGCSUploader(ctx context.Context, bucket, credentialsJSON string) (*GCSUploader, error) {
	opts := []option.ClientOption{}
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket}, nil
}

// UploadFile streams localPath into the bucket at objectPath.
func (u *GCSUploader) UploadFile(ctx context.Context, objectPath, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	w := u.client.Bucket(u.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to upload %s: %w", objectPath, err)
	}
	return w.Close()
}

// Close releases the underlying client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
