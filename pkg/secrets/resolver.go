package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gantrylabs/gantry/pkg/api"
)

// Resolver turns a secrets_ref from a workspace source row into credential
// material for a connector. Implementations never log resolved values.
type Resolver interface {
	Resolve(ctx context.Context, workspaceID, ref string) (map[string]string, error)
}

// EnvResolver reads refs of the form "env:PREFIX". Every environment
// variable PREFIX_<NAME> becomes the map entry <name> (lowercased).
// Intended for development and CI.
type EnvResolver struct{}

func (EnvResolver) Resolve(_ context.Context, _ string, ref string) (map[string]string, error) {
	prefix, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return nil, fmt.Errorf("%w: env resolver cannot handle ref %q", api.ErrInvalidInput, ref)
	}
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty env prefix", api.ErrInvalidInput)
	}

	out := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(name, prefix+"_") {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix+"_"))
		out[key] = value
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no environment variables with prefix %s_", api.ErrNotFound, prefix)
	}
	return out, nil
}

// FileResolver reads refs of the form "file:<name>". The named file under
// the resolver's directory holds a workspace-sealed JSON object of string
// pairs; the keyring opens it with the workspace key.
type FileResolver struct {
	dir     string
	keyring *Keyring
}

// NewFileResolver serves sealed secret files from dir.
func NewFileResolver(dir string, keyring *Keyring) (*FileResolver, error) {
	if keyring == nil {
		return nil, fmt.Errorf("file resolver requires a keyring")
	}
	if dir == "" {
		return nil, fmt.Errorf("file resolver requires a directory")
	}
	return &FileResolver{dir: dir, keyring: keyring}, nil
}

func (r *FileResolver) Resolve(_ context.Context, workspaceID, ref string) (map[string]string, error) {
	name, ok := strings.CutPrefix(ref, "file:")
	if !ok {
		return nil, fmt.Errorf("%w: file resolver cannot handle ref %q", api.ErrInvalidInput, ref)
	}
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("%w: secret file name %q must be a bare file name", api.ErrInvalidInput, name)
	}

	sealed, err := os.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: secret file %s", api.ErrNotFound, name)
		}
		return nil, fmt.Errorf("read secret file %s: %w", name, err)
	}

	plaintext, err := r.keyring.Open(workspaceID, strings.TrimSpace(string(sealed)))
	if err != nil {
		return nil, fmt.Errorf("unseal secret file %s: %w", name, err)
	}

	var out map[string]string
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("secret file %s is not a JSON string map: %w", name, err)
	}
	return out, nil
}

// Store seals values for a workspace and writes them where Resolve will
// find them, returning the ref to persist on the source row.
func (r *FileResolver) Store(workspaceID, name string, values map[string]string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("%w: secret file name %q must be a bare file name", api.ErrInvalidInput, name)
	}
	plaintext, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal secret values: %w", err)
	}
	sealed, err := r.keyring.Seal(workspaceID, plaintext)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return "", fmt.Errorf("ensure secrets dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, name), []byte(sealed), 0o600); err != nil {
		return "", fmt.Errorf("write secret file %s: %w", name, err)
	}
	return "file:" + name, nil
}

// ChainResolver routes a ref to the first resolver whose scheme matches.
// Supported schemes are fixed at construction.
type ChainResolver struct {
	byScheme map[string]Resolver
}

// NewChainResolver maps ref schemes ("env", "file") to resolvers.
func NewChainResolver(byScheme map[string]Resolver) *ChainResolver {
	return &ChainResolver{byScheme: byScheme}
}

func (c *ChainResolver) Resolve(ctx context.Context, workspaceID, ref string) (map[string]string, error) {
	scheme, _, found := strings.Cut(ref, ":")
	if !found {
		return nil, fmt.Errorf("%w: secrets ref %q has no scheme", api.ErrInvalidInput, ref)
	}
	r, ok := c.byScheme[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no resolver for secrets scheme %q", api.ErrInvalidInput, scheme)
	}
	return r.Resolve(ctx, workspaceID, ref)
}
