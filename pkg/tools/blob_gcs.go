//go:build gcp

package tools

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBlobStore keeps blobs in Google Cloud Storage. Credentials come from ADC.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSBlobStore(ctx context.Context, cfg GCSConfig) (*GCSBlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSBlobStore) object(hexDigest string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + hexDigest + ".blob")
}

func (s *GCSBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	d := digest(data)
	obj := s.object(d)
	if _, err := obj.Attrs(ctx); err == nil {
		return refPrefix + d, nil
	}
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close: %w", err)
	}
	return refPrefix + d, nil
}

func (s *GCSBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	d, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.object(d).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSBlobStore) Exists(ctx context.Context, ref string) (bool, error) {
	d, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.object(d).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs %s: %w", ref, err)
	}
	return true, nil
}

// Close releases the GCS client.
func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}
