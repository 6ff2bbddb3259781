//go:build !gcp

package tools

import (
	"context"
	"errors"
)

func newGCSBlobStore(context.Context, GCSConfig) (BlobStore, error) {
	return nil, errors.New("GCS blob storage is not enabled in this build (use -tags gcp)")
}
