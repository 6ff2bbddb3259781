package tools

import (
	"context"
	"fmt"
)

// BlobBackend names a BlobStore implementation.
type BlobBackend string

const (
	BlobFS  BlobBackend = "fs"
	BlobS3  BlobBackend = "s3"
	BlobGCS BlobBackend = "gcs"
)

// GCSConfig selects the bucket for the GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// BlobConfig selects and configures a blob backend.
type BlobConfig struct {
	Backend BlobBackend
	Dir     string
	S3      S3Config
	GCS     GCSConfig
}

// NewBlobStore builds the configured backend. The GCS backend needs the gcp build tag.
func NewBlobStore(ctx context.Context, cfg BlobConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "", BlobFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/blobs"
		}
		s, err := NewFileBlobStore(dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BlobS3:
		s, err := NewS3BlobStore(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BlobGCS:
		return newGCSBlobStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}
