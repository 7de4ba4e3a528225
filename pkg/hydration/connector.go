package hydration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/store"
)

// Item is one changed file reported by a listing pass. Payload carries
// whatever the connector needs to serve Metadata and Download without a
// second listing; its shape is private to the connector.
type Item struct {
	ID      string
	Payload interface{}
}

// FileMeta describes one source file at processing time. A Removed item
// has no content; only the identity fields are meaningful.
type FileMeta struct {
	SourceDocumentID string
	Name             string
	MIME             string
	Path             string
	ModifiedTime     *time.Time
	Size             *int64
	Checksum         string
	Removed          bool
}

// Connector speaks one source type. A connector is constructed per run
// from the source row's validated config and resolved secrets and must be
// safe to discard after the run.
type Connector interface {
	// Type returns the source_type this connector serves.
	Type() string

	// ListChanges returns items changed since cursor and the cursor to
	// persist for the next pass. A nil cursor means a full listing.
	ListChanges(ctx context.Context, cursor *string) ([]Item, *string, error)

	// Metadata resolves an item to its file description.
	Metadata(ctx context.Context, item Item) (*FileMeta, error)

	// Download fetches the raw bytes for an item.
	Download(ctx context.Context, item Item) ([]byte, error)
}

// Factory builds a connector from a source's parsed config and resolved
// secrets. The registry validates config against the type's schema before
// the factory runs.
type Factory func(config map[string]interface{}, secrets map[string]string) (Connector, error)

// Registry maps source types to connector factories, each guarded by a
// JSON Schema for the source config.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	schemas   map[string]*jsonschema.Schema
}

// NewRegistry returns an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Register adds a source type with its config schema. Registering an
// existing type replaces it.
func (r *Registry) Register(sourceType, schema string, factory Factory) error {
	if sourceType == "" {
		return fmt.Errorf("%w: source type is required", api.ErrInvalidInput)
	}
	if factory == nil {
		return fmt.Errorf("%w: source type %s needs a factory", api.ErrInvalidInput, sourceType)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://gantry.schemas.local/sources/%s.schema.json", sourceType)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("load schema for %s: %w", sourceType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", sourceType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[sourceType] = factory
	r.schemas[sourceType] = compiled
	return nil
}

// Types returns the registered source types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build validates config against the type's schema and constructs the
// connector.
func (r *Registry) Build(sourceType string, config store.JSONMap, secrets map[string]string) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[sourceType]
	schema := r.schemas[sourceType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown source type %q", api.ErrInvalidInput, sourceType)
	}

	if err := schema.Validate(map[string]interface{}(config)); err != nil {
		return nil, fmt.Errorf("%w: %s config: %v", api.ErrInvalidInput, sourceType, err)
	}
	conn, err := factory(config, secrets)
	if err != nil {
		return nil, fmt.Errorf("build %s connector: %w", sourceType, err)
	}
	return conn, nil
}

// DefaultRegistry returns a registry with every built-in connector
// registered. The built-in schemas are static, so failures here are
// programming errors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	mustRegister(r, TypeServerFS, serverFSSchema, newServerFS)
	mustRegister(r, TypeGoogleDrive, driveSchema, newGoogleDrive)
	mustRegister(r, TypeGoogleDrivePublic, driveSchema, newGoogleDrivePublic)
	return r
}

func mustRegister(r *Registry, sourceType, schema string, factory Factory) {
	if err := r.Register(sourceType, schema, factory); err != nil {
		panic(fmt.Sprintf("hydration: register %s: %v", sourceType, err))
	}
}
