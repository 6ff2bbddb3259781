package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrBlobNotFound = errors.New("tools: blob not found")

const refPrefix = "sha256:"

// BlobStore is content-addressed storage. Put is idempotent and returns "sha256:<hex>".
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// parseRef returns the hex digest of a "sha256:" reference.
func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("%w: invalid blob reference %q", ErrBadParams, ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: invalid blob reference %q", ErrBadParams, ref)
	}
	return raw, nil
}

// FileBlobStore keeps blobs as files named by digest.
type FileBlobStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	//nolint:gosec // G301: shared blob directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (s *FileBlobStore) path(hexDigest string) string {
	return filepath.Join(s.dir, hexDigest+".blob")
}

func (s *FileBlobStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := digest(data)
	path := s.path(d)
	if _, err := os.Stat(path); err == nil {
		return refPrefix + d, nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: blobs are not secret
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return refPrefix + d, nil
}

func (s *FileBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	d, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path(d)) //nolint:gosec // digest validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}
	return data, err
}

func (s *FileBlobStore) Exists(_ context.Context, ref string) (bool, error) {
	d, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(s.path(d))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
