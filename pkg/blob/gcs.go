package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/gantrylabs/gantry/pkg/api"
)

// GCSStore keeps blobs in a GCS bucket under <prefix><digest>.blob.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore builds the store using Application Default Credentials.
func NewGCSStore(ctx context.Context, cfg Config) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(digest string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + digest + ".blob")
}

// Put uploads data unless the object already exists.
func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := Ref(data)
	digest, _ := parseRef(ref)
	obj := s.object(digest)

	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("%w: gcs write %s: %v", api.ErrUnavailable, ref, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: gcs commit %s: %v", api.ErrUnavailable, ref, err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.object(digest).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: blob %s", api.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("gcs get %s: %w", ref, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gcs blob %s: %w", ref, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.object(digest).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs attrs %s: %w", ref, err)
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := s.object(digest).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", ref, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
