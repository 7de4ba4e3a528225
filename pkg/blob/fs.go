package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gantrylabs/gantry/pkg/api"
)

// FSStore keeps blobs as <root>/<aa>/<digest>.blob, fanned out by the
// first digest byte so one directory never collects every object.
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore ensures the root directory exists.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(digest string) string {
	return filepath.Join(s.root, digest[:2], digest+".blob")
}

// Put writes data under its content ref. Write goes to a temp file first
// so readers never observe a partial blob.
func (s *FSStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := Ref(data)
	digest, _ := parseRef(ref)
	path := s.path(digest)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure blob dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return ref, nil
}

func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s", api.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

func (s *FSStore) Exists(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(digest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob %s: %w", ref, err)
}

func (s *FSStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}
