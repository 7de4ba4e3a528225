// Package blob provides content-addressed storage for raw document bytes
// archived by the hydration pipeline. Keys are "sha256:<hex>" of the
// content, so writes are idempotent and a reference fully identifies the
// bytes it points at.
package blob

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/canonicalize"
)

// Store is the contract every backend satisfies. Put returns the content
// ref; storing the same bytes twice returns the same ref without a second
// upload.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Ref computes the content ref for data without storing it.
func Ref(data []byte) string {
	return canonicalize.HashPrefixed(data)
}

// parseRef validates "sha256:<hex>" and returns the bare hex digest.
func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", fmt.Errorf("%w: blob ref %q must start with sha256:", api.ErrInvalidInput, ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: blob ref %q is not hex", api.ErrInvalidInput, ref)
	}
	if len(raw) != 64 {
		return "", fmt.Errorf("%w: blob ref %q has wrong digest length", api.ErrInvalidInput, ref)
	}
	return raw, nil
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is "fs", "s3", or "gcs".
	Backend string
	// FSRoot is the directory for the fs backend.
	FSRoot string
	// Bucket names the s3/gcs bucket.
	Bucket string
	// Prefix is an optional key prefix inside the bucket.
	Prefix string
	// Region is the AWS region for s3.
	Region string
	// Endpoint overrides the s3 endpoint (MinIO, LocalStack).
	Endpoint string
}

// New constructs the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		root := cfg.FSRoot
		if root == "" {
			root = "blobs"
		}
		return NewFSStore(root)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("%w: s3 blob backend requires a bucket", api.ErrInvalidInput)
		}
		return NewS3Store(ctx, cfg)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("%w: gcs blob backend requires a bucket", api.ErrInvalidInput)
		}
		return NewGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown blob backend %q", api.ErrInvalidInput, cfg.Backend)
	}
}
