package hydration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/canonicalize"
	"github.com/gantrylabs/gantry/pkg/store"
)

func writeFile(t *testing.T, dir, name, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func newServerFSConn(t *testing.T, root string, config store.JSONMap) Connector {
	t.Helper()
	if config == nil {
		config = store.JSONMap{}
	}
	config["root"] = root
	conn, err := DefaultRegistry().Build(TypeServerFS, config, nil)
	require.NoError(t, err)
	return conn
}

func itemIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func TestServerFSFullListing(t *testing.T) {
	root := t.TempDir()
	t1 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)
	writeFile(t, root, "a.txt", "alpha", t1)
	writeFile(t, root, "sub/b.csv", "x,y", t2)

	conn := newServerFSConn(t, root, nil)
	items, next, err := conn.ListChanges(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt", "sub/b.csv"}, itemIDs(items), "ids are sorted slash paths")

	require.NotNil(t, next)
	got, err := time.Parse(time.RFC3339Nano, *next)
	require.NoError(t, err)
	assert.True(t, t2.Equal(got), "cursor is the newest mtime seen")
}

func TestServerFSIncrementalListing(t *testing.T) {
	root := t.TempDir()
	t1 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)
	writeFile(t, root, "a.txt", "alpha", t1)
	writeFile(t, root, "b.txt", "beta", t2)

	conn := newServerFSConn(t, root, nil)

	// Files at exactly the cursor time do not repeat.
	cursor := t1.Format(time.RFC3339Nano)
	items, next, err := conn.ListChanges(context.Background(), &cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, itemIDs(items))

	// Nothing changed since: empty listing, cursor stays.
	items, next2, err := conn.ListChanges(context.Background(), next)
	require.NoError(t, err)
	assert.Empty(t, items)
	require.NotNil(t, next2)
	got, err := time.Parse(time.RFC3339Nano, *next2)
	require.NoError(t, err)
	assert.True(t, t2.Equal(got))
}

func TestServerFSUnparseableCursorFullLists(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha", time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))

	conn := newServerFSConn(t, root, nil)
	cursor := "not-a-timestamp"
	items, _, err := conn.ListChanges(context.Background(), &cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, itemIDs(items))
}

func TestServerFSIncludeExt(t *testing.T) {
	root := t.TempDir()
	mt := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	writeFile(t, root, "a.txt", "alpha", mt)
	writeFile(t, root, "b.csv", "x,y", mt)
	writeFile(t, root, "c.PDF", "%PDF", mt)

	// Extensions normalize to lowercase with a leading dot.
	conn := newServerFSConn(t, root, store.JSONMap{
		"include_ext": []interface{}{"csv", ".pdf"},
	})
	items, _, err := conn.ListChanges(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.csv", "c.PDF"}, itemIDs(items))
}

func TestServerFSMetadataAndDownload(t *testing.T) {
	root := t.TempDir()
	mt := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	writeFile(t, root, "sub/page.html", "<html>hi</html>", mt)

	conn := newServerFSConn(t, root, nil)
	meta, err := conn.Metadata(context.Background(), Item{ID: "sub/page.html"})
	require.NoError(t, err)

	assert.Equal(t, "sub/page.html", meta.SourceDocumentID)
	assert.Equal(t, "page.html", meta.Name)
	assert.Equal(t, "text/html", meta.MIME, "mime parameters are stripped")
	require.NotNil(t, meta.Size)
	assert.Equal(t, int64(15), *meta.Size)
	require.NotNil(t, meta.ModifiedTime)
	assert.True(t, mt.Equal(*meta.ModifiedTime))
	assert.Equal(t, canonicalize.HashPrefixed([]byte("<html>hi</html>")), meta.Checksum)
	assert.False(t, meta.Removed)

	data, err := conn.Download(context.Background(), Item{ID: "sub/page.html"})
	require.NoError(t, err)
	assert.Equal(t, "<html>hi</html>", string(data))
}

func TestServerFSUnknownExtensionMIME(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "data.zzz9", "raw", time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))

	conn := newServerFSConn(t, root, nil)
	meta, err := conn.Metadata(context.Background(), Item{ID: "data.zzz9"})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", meta.MIME)
}

func TestServerFSRemovedFile(t *testing.T) {
	conn := newServerFSConn(t, t.TempDir(), nil)
	meta, err := conn.Metadata(context.Background(), Item{ID: "ghost.txt"})
	require.NoError(t, err)
	assert.True(t, meta.Removed)
	assert.Equal(t, "ghost.txt", meta.SourceDocumentID)
	assert.Equal(t, "ghost.txt", meta.Name)
}

func TestServerFSRejectsTraversal(t *testing.T) {
	conn := newServerFSConn(t, t.TempDir(), nil)

	_, err := conn.Metadata(context.Background(), Item{ID: "../etc/passwd"})
	assert.True(t, errors.Is(err, api.ErrInvalidInput))

	_, err = conn.Download(context.Background(), Item{ID: "../../secret"})
	assert.True(t, errors.Is(err, api.ErrInvalidInput))
}

func TestServerFSRootValidation(t *testing.T) {
	r := DefaultRegistry()

	_, err := r.Build(TypeServerFS, store.JSONMap{}, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidInput), "root is required")

	root := t.TempDir()
	writeFile(t, root, "file.txt", "x", time.Now())
	_, err = r.Build(TypeServerFS, store.JSONMap{"root": filepath.Join(root, "file.txt")}, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidInput), "root must be a directory")

	_, err = r.Build(TypeServerFS, store.JSONMap{"root": filepath.Join(root, "missing")}, nil)
	require.Error(t, err)
}
