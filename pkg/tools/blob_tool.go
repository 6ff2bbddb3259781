package tools

import (
	"context"
	"encoding/base64"
	"fmt"
)

// MaxBlobSize bounds one stored file.
const MaxBlobSize = 8 << 20

// Tool names the blob executors are registered under.
const (
	StoreFileTool = "store-file"
	FetchFileTool = "fetch-file"
)

// StoreFile returns an executor that stores params["content"] (base64, or text when
// params["encoding"] is "text") and returns its reference and size.
func StoreFile(store BlobStore) Executor {
	return ExecutorFunc(func(ctx context.Context, params map[string]any) (any, error) {
		content, ok := params["content"].(string)
		if !ok || content == "" {
			return nil, fmt.Errorf("%w: content is required", ErrBadParams)
		}
		var data []byte
		switch enc, _ := params["encoding"].(string); enc {
		case "", "base64":
			var err error
			data, err = base64.StdEncoding.DecodeString(content)
			if err != nil {
				return nil, fmt.Errorf("%w: content is not base64", ErrBadParams)
			}
		case "text":
			data = []byte(content)
		default:
			return nil, fmt.Errorf("%w: unknown encoding %q", ErrBadParams, enc)
		}
		if len(data) > MaxBlobSize {
			return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrBadParams, MaxBlobSize)
		}

		ref, err := store.Put(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("store file: %w", err)
		}
		return map[string]any{"ref": ref, "size": len(data)}, nil
	})
}

// FetchFile returns an executor that reads params["ref"] back as base64.
func FetchFile(store BlobStore) Executor {
	return ExecutorFunc(func(ctx context.Context, params map[string]any) (any, error) {
		ref, _ := params["ref"].(string)
		data, err := store.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"ref":     ref,
			"size":    len(data),
			"content": base64.StdEncoding.EncodeToString(data),
		}, nil
	})
}
