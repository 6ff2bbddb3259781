//go:build gcp

package tools

import "context"

func newGCSBlobStore(ctx context.Context, cfg GCSConfig) (BlobStore, error) {
	s, err := NewGCSBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}
