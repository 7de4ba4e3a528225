package hydration

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/canonicalize"
)

// TypeServerFS is the source type for directories mounted on the server.
const TypeServerFS = "server_fs"

const serverFSSchema = `{
	"type": "object",
	"properties": {
		"root": {"type": "string", "minLength": 1},
		"include_ext": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["root"],
	"additionalProperties": false
}`

// serverFS walks a local directory tree. The cursor is the newest mtime
// seen, so a pass only returns files modified since the previous one.
// Item ids are slash-separated paths relative to the root.
type serverFS struct {
	root       string
	includeExt map[string]bool
}

func newServerFS(config map[string]interface{}, _ map[string]string) (Connector, error) {
	root, _ := config["root"].(string)
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: root %s is not a directory", api.ErrInvalidInput, abs)
	}

	var exts map[string]bool
	if raw, ok := config["include_ext"].([]interface{}); ok && len(raw) > 0 {
		exts = make(map[string]bool, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				if !strings.HasPrefix(s, ".") {
					s = "." + s
				}
				exts[strings.ToLower(s)] = true
			}
		}
	}
	return &serverFS{root: abs, includeExt: exts}, nil
}

func (c *serverFS) Type() string { return TypeServerFS }

func (c *serverFS) included(path string) bool {
	if c.includeExt == nil {
		return true
	}
	return c.includeExt[strings.ToLower(filepath.Ext(path))]
}

func (c *serverFS) ListChanges(ctx context.Context, cursor *string) ([]Item, *string, error) {
	var since time.Time
	if cursor != nil {
		// An unparseable cursor degrades to a full listing.
		since, _ = time.Parse(time.RFC3339Nano, *cursor)
	}

	maxSeen := since
	var items []Item
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !c.included(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mt := info.ModTime().UTC()
		if mt.After(maxSeen) {
			maxSeen = mt
		}
		if !since.IsZero() && !mt.After(since) {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		items = append(items, Item{ID: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list %s: %w", c.root, err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	next := cursor
	if !maxSeen.IsZero() {
		s := maxSeen.Format(time.RFC3339Nano)
		next = &s
	}
	return items, next, nil
}

func (c *serverFS) Metadata(_ context.Context, item Item) (*FileMeta, error) {
	path, err := c.resolve(item.ID)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(item.ID)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &FileMeta{SourceDocumentID: item.ID, Name: name, Path: item.ID, Removed: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", item.ID, err)
	}

	// Local reads are cheap enough to make the checksum a content hash,
	// which lets the pipeline skip unchanged files without re-extracting.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", item.ID, err)
	}

	mt := info.ModTime().UTC()
	size := info.Size()
	return &FileMeta{
		SourceDocumentID: item.ID,
		Name:             name,
		MIME:             mimeForExt(filepath.Ext(name)),
		Path:             item.ID,
		ModifiedTime:     &mt,
		Size:             &size,
		Checksum:         canonicalize.HashPrefixed(data),
	}, nil
}

func (c *serverFS) Download(_ context.Context, item Item) ([]byte, error) {
	path, err := c.resolve(item.ID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", item.ID, err)
	}
	return data, nil
}

// resolve joins an item id onto the root, rejecting paths that escape it.
func (c *serverFS) resolve(id string) (string, error) {
	path := filepath.Join(c.root, filepath.FromSlash(id))
	rel, err := filepath.Rel(c.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: item %q escapes the source root", api.ErrInvalidInput, id)
	}
	return path, nil
}

func mimeForExt(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return strings.TrimSpace(t)
	}
	return "application/octet-stream"
}
