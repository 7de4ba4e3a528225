package linking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/observability"
	"github.com/gantrylabs/gantry/pkg/store"
)

// DefaultThreshold gates candidate promotion when the caller does not
// supply one.
const DefaultThreshold = 0.5

const embedBatchSize = 64

// EntityStore is the slice of the entity repository the engine needs.
type EntityStore interface {
	Upsert(ctx context.Context, e *store.Entity) error
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
	GetByID(ctx context.Context, id string) (*store.Entity, error)
	ListByDocument(ctx context.Context, documentID int64) ([]store.Entity, error)
	ListAll(ctx context.Context, limit int) ([]store.Entity, error)
	SetEmbeddingRef(ctx context.Context, id, ref string) error
	CountByType(ctx context.Context) ([]store.TypeCount, error)
}

// LinkStore is the slice of the link repository the engine needs.
type LinkStore interface {
	Upsert(ctx context.Context, l *store.Link) error
	GetByID(ctx context.Context, id string) (*store.Link, error)
	CountByType(ctx context.Context) ([]store.TypeCount, error)
}

// Result is the outcome of one processing or search call.
type Result struct {
	DocumentID int64          `json:"document_id,omitempty"`
	Entities   []store.Entity `json:"entities"`
	Links      []store.Link   `json:"links"`
}

// FindQuery selects link candidates. At least one of DocumentID and
// QueryText must be set.
type FindQuery struct {
	DocumentID  *int64   `json:"document_id,omitempty"`
	QueryText   string   `json:"query_text,omitempty"`
	LinkTypes   []string `json:"link_types,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
	Threshold   float64  `json:"threshold,omitempty"`
	Max         int      `json:"max,omitempty"`
}

// EvidenceResponse is one link with its endpoints and a human-readable
// explanation of the evidence.
type EvidenceResponse struct {
	Link        store.Link    `json:"link"`
	Source      *store.Entity `json:"source,omitempty"`
	Target      *store.Entity `json:"target,omitempty"`
	Explanation string        `json:"explanation"`
}

// Statistics summarizes the stored graph.
type Statistics struct {
	EntitiesByType map[string]int64 `json:"entities_by_type"`
	LinksByType    map[string]int64 `json:"links_by_type"`
	TotalEntities  int64            `json:"total_entities"`
	TotalLinks     int64            `json:"total_links"`
	Packs          []PackInfo       `json:"packs"`
}

// documentEntityTypes maps a classified document type onto the entity
// types it can contain. Unknown types carry no hint, so every pack runs.
var documentEntityTypes = map[string][]string{
	"boq":                 {"line_item"},
	"bill_of_quantities":  {"line_item"},
	"schedule":            {"line_item"},
	"estimate":            {"line_item"},
	"specification":       {"spec_section"},
	"payment_certificate": {"payment_line"},
	"invoice":             {"payment_line"},
}

// Engine orchestrates packs over the entity and link stores.
type Engine struct {
	mu    sync.RWMutex
	packs map[string]Pack

	entities  EntityStore
	links     LinkStore
	embedder  store.Embedder
	vectors   store.VectorStore
	obs       *observability.Provider
	threshold float64
	logger    *slog.Logger
	now       func() time.Time

	embedWarn sync.Once
}

// Option configures the engine.
type Option func(*Engine)

// WithEmbeddings wires the embedding provider and vector store. Without
// them semantic evidence is omitted and query-text resolution falls back
// to substring matching.
func WithEmbeddings(embedder store.Embedder, vectors store.VectorStore) Option {
	return func(e *Engine) {
		e.embedder = embedder
		e.vectors = vectors
	}
}

// WithThreshold overrides the default link promotion threshold.
func WithThreshold(threshold float64) Option {
	return func(e *Engine) {
		if threshold > 0 && threshold <= 1 {
			e.threshold = threshold
		}
	}
}

// WithObservability wires the metrics provider.
func WithObservability(obs *observability.Provider) Option {
	return func(e *Engine) { e.obs = obs }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(entities EntityStore, links LinkStore, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		packs:     make(map[string]Pack),
		entities:  entities,
		links:     links,
		threshold: DefaultThreshold,
		logger:    logger.With("component", "linking"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPack adds a pack to the registry. The name must be unique and
// the version must parse as semver.
func (e *Engine) RegisterPack(p Pack) error {
	if p == nil || strings.TrimSpace(p.Name()) == "" {
		return fmt.Errorf("pack name required: %w", api.ErrInvalidInput)
	}
	if _, err := semver.NewVersion(p.Version()); err != nil {
		return fmt.Errorf("pack %s version %q: %w", p.Name(), p.Version(), api.ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.packs[p.Name()]; ok {
		return fmt.Errorf("pack %s already registered: %w", p.Name(), api.ErrConflict)
	}
	e.packs[p.Name()] = p
	e.logger.Info("pack registered", "pack", p.Name(), "version", p.Version())
	return nil
}

// UnregisterPack removes a pack from the registry.
func (e *Engine) UnregisterPack(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.packs[name]; !ok {
		return fmt.Errorf("pack %s: %w", name, api.ErrNotFound)
	}
	delete(e.packs, name)
	e.logger.Info("pack unregistered", "pack", name)
	return nil
}

// ListPacks returns the registered packs sorted by name.
func (e *Engine) ListPacks() []PackInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PackInfo, 0, len(e.packs))
	for _, p := range e.packs {
		out = append(out, PackInfo{Name: p.Name(), Version: p.Version(), EntityTypes: p.EntityTypes()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) activePacks() []Pack {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Pack, 0, len(e.packs))
	for _, p := range e.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// extractionPacks returns the packs whose entity types intersect what the
// document can contain.
func (e *Engine) extractionPacks(doc *Document) []Pack {
	hint := documentEntityTypes[doc.Type]
	all := e.activePacks()
	if len(hint) == 0 {
		return all
	}
	hintSet := make(map[string]bool, len(hint))
	for _, t := range hint {
		hintSet[t] = true
	}
	var out []Pack
	for _, p := range all {
		for _, t := range p.EntityTypes() {
			if hintSet[t] {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// ProcessDocument extracts entities from the document with every
// applicable pack, persists them, embeds the new ones, and links them
// against the union of new and stored entities. No registered packs
// yields an empty result without error.
func (e *Engine) ProcessDocument(ctx context.Context, doc *Document) (*Result, error) {
	if doc == nil || strings.TrimSpace(doc.Content) == "" {
		return nil, fmt.Errorf("document content required: %w", api.ErrInvalidInput)
	}
	res := &Result{DocumentID: doc.ID, Entities: []store.Entity{}, Links: []store.Link{}}
	if len(e.activePacks()) == 0 {
		return res, nil
	}

	extracted := e.extract(ctx, doc)
	if len(extracted) == 0 {
		return res, nil
	}

	ids := make([]string, len(extracted))
	for i, ent := range extracted {
		ids[i] = ent.ID
	}
	existing, err := e.entities.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("process document %d: %w", doc.ID, err)
	}
	for i := range extracted {
		if err := e.entities.Upsert(ctx, &extracted[i]); err != nil {
			return nil, fmt.Errorf("process document %d: %w", doc.ID, err)
		}
	}

	var fresh []store.Entity
	for _, ent := range extracted {
		if !existing[ent.ID] {
			fresh = append(fresh, ent)
		}
	}
	e.embed(ctx, fresh)

	stored, err := e.entities.ListAll(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("process document %d: %w", doc.ID, err)
	}
	targets := unionByID(extracted, stored)

	links, err := e.match(ctx, extracted, targets, e.threshold, true)
	if err != nil {
		return nil, fmt.Errorf("process document %d: %w", doc.ID, err)
	}
	res.Entities = extracted
	res.Links = links
	e.logger.Info("document processed",
		"document_id", doc.ID, "entities", len(extracted), "links", len(links))
	return res, nil
}

// FindLinks resolves source entities from the query, matches them against
// all stored entities, and returns the filtered candidates without
// persisting them.
func (e *Engine) FindLinks(ctx context.Context, q *FindQuery) (*Result, error) {
	if q == nil || (q.DocumentID == nil && strings.TrimSpace(q.QueryText) == "") {
		return nil, fmt.Errorf("document_id or query_text required: %w", api.ErrInvalidInput)
	}
	res := &Result{Entities: []store.Entity{}, Links: []store.Link{}}
	if len(e.activePacks()) == 0 {
		return res, nil
	}

	sources, err := e.resolveSources(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return res, nil
	}
	if q.DocumentID != nil {
		res.DocumentID = *q.DocumentID
	}

	targets, err := e.entities.ListAll(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("find links: %w", err)
	}

	threshold := q.Threshold
	if threshold <= 0 {
		threshold = e.threshold
	}
	links, err := e.match(ctx, sources, targets, threshold, false)
	if err != nil {
		return nil, fmt.Errorf("find links: %w", err)
	}
	links = filterLinks(links, q.LinkTypes, q.EntityTypes, entityTypesByID(targets, sources))

	max := q.Max
	if max <= 0 {
		max = 50
	}
	if len(links) > max {
		links = links[:max]
	}
	res.Entities = sources
	res.Links = links
	return res, nil
}

// GetEvidence returns the link, its endpoints, and a rendered explanation
// of the recorded evidence.
func (e *Engine) GetEvidence(ctx context.Context, linkID string) (*EvidenceResponse, error) {
	link, err := e.links.GetByID(ctx, linkID)
	if err != nil {
		return nil, err
	}
	source, err := e.entities.GetByID(ctx, link.SourceEntityID)
	if err != nil {
		return nil, fmt.Errorf("get evidence %s: %w", linkID, err)
	}
	target, err := e.entities.GetByID(ctx, link.TargetEntityID)
	if err != nil {
		return nil, fmt.Errorf("get evidence %s: %w", linkID, err)
	}
	return &EvidenceResponse{
		Link:        *link,
		Source:      source,
		Target:      target,
		Explanation: explainEvidence(link.Evidence),
	}, nil
}

// GetStatistics counts stored entities and links by type.
func (e *Engine) GetStatistics(ctx context.Context) (*Statistics, error) {
	entityCounts, err := e.entities.CountByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	linkCounts, err := e.links.CountByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	stats := &Statistics{
		EntitiesByType: make(map[string]int64, len(entityCounts)),
		LinksByType:    make(map[string]int64, len(linkCounts)),
		Packs:          e.ListPacks(),
	}
	for _, c := range entityCounts {
		stats.EntitiesByType[c.Type] = c.Count
		stats.TotalEntities += c.Count
	}
	for _, c := range linkCounts {
		stats.LinksByType[c.Type] = c.Count
		stats.TotalLinks += c.Count
	}
	return stats, nil
}

func (e *Engine) extract(ctx context.Context, doc *Document) []store.Entity {
	seen := make(map[string]bool)
	var out []store.Entity
	for _, p := range e.extractionPacks(doc) {
		ents, err := p.ExtractEntities(ctx, doc)
		if err != nil {
			e.logger.Warn("pack extraction failed",
				"pack", p.Name(), "document_id", doc.ID, "error", err)
			continue
		}
		for _, ent := range ents {
			if ent.ID == "" || seen[ent.ID] {
				continue
			}
			seen[ent.ID] = true
			out = append(out, ent)
		}
	}
	return out
}

// embed computes and stores vectors for the given entities. Failures are
// contained: the run continues without semantic evidence.
func (e *Engine) embed(ctx context.Context, entities []store.Entity) {
	if e.embedder == nil || e.vectors == nil || len(entities) == 0 {
		return
	}
	for start := 0; start < len(entities); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(entities) {
			end = len(entities)
		}
		batch := entities[start:end]
		texts := make([]string, len(batch))
		for i, ent := range batch {
			texts[i] = ent.Text
		}
		vecs, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			e.embedWarn.Do(func() {
				e.logger.Warn("embedding provider unavailable, semantic evidence omitted", "error", err)
			})
			return
		}
		for i, ent := range batch {
			if i >= len(vecs) {
				break
			}
			if err := e.vectors.Put(ctx, ent.ID, vecs[i]); err != nil {
				e.logger.Warn("vector store put failed", "entity_id", ent.ID, "error", err)
				continue
			}
			if err := e.entities.SetEmbeddingRef(ctx, ent.ID, ent.ID); err != nil {
				e.logger.Warn("embedding ref update failed", "entity_id", ent.ID, "error", err)
			}
		}
	}
}

// match runs every registered pack over sources x targets, gates on the
// threshold, and when persist is set writes the surviving links.
func (e *Engine) match(ctx context.Context, sources, targets []store.Entity, threshold float64, persist bool) ([]store.Link, error) {
	embeddings := e.fetchEmbeddings(ctx, sources, targets)
	now := e.now()

	var out []store.Link
	for _, p := range e.activePacks() {
		candidates := p.MatchEntities(ctx, sources, targets, embeddings)
		var kept int64
		for _, cand := range candidates {
			if cand.Confidence < threshold || cand.Confidence > 1 {
				continue
			}
			if cand.Source.ID == cand.Target.ID {
				continue
			}
			link := store.Link{
				ID:             uuid.NewString(),
				SourceEntityID: cand.Source.ID,
				TargetEntityID: cand.Target.ID,
				LinkType:       cand.LinkType,
				Confidence:     cand.Confidence,
				Evidence:       cand.Evidence,
				PackName:       p.Name(),
				CreatedAt:      now,
			}
			if persist {
				if err := e.links.Upsert(ctx, &link); err != nil {
					return nil, err
				}
			}
			kept++
			out = append(out, link)
		}
		if persist && e.obs != nil {
			e.obs.RecordLinks(ctx, p.Name(), kept)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].SourceEntityID != out[j].SourceEntityID {
			return out[i].SourceEntityID < out[j].SourceEntityID
		}
		return out[i].TargetEntityID < out[j].TargetEntityID
	})
	return out, nil
}

func (e *Engine) fetchEmbeddings(ctx context.Context, sources, targets []store.Entity) map[string][]float32 {
	if e.vectors == nil {
		return nil
	}
	seen := make(map[string]bool, len(sources)+len(targets))
	var ids []string
	for _, ent := range sources {
		if !seen[ent.ID] {
			seen[ent.ID] = true
			ids = append(ids, ent.ID)
		}
	}
	for _, ent := range targets {
		if !seen[ent.ID] {
			seen[ent.ID] = true
			ids = append(ids, ent.ID)
		}
	}
	vecs, err := e.vectors.Fetch(ctx, ids)
	if err != nil {
		e.logger.Warn("embedding fetch failed, semantic evidence omitted", "error", err)
		return nil
	}
	return vecs
}

// resolveSources gathers the query's source entities: the document's
// entities, plus semantic search hits for the query text. Without an
// embedding provider the text falls back to substring matching.
func (e *Engine) resolveSources(ctx context.Context, q *FindQuery) ([]store.Entity, error) {
	seen := make(map[string]bool)
	var out []store.Entity
	if q.DocumentID != nil {
		ents, err := e.entities.ListByDocument(ctx, *q.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("find links: %w", err)
		}
		for _, ent := range ents {
			if !seen[ent.ID] {
				seen[ent.ID] = true
				out = append(out, ent)
			}
		}
	}
	text := strings.TrimSpace(q.QueryText)
	if text == "" {
		return out, nil
	}
	if e.embedder != nil && e.vectors != nil {
		vecs, err := e.embedder.Embed(ctx, []string{text})
		if err != nil {
			e.embedWarn.Do(func() {
				e.logger.Warn("embedding provider unavailable, semantic evidence omitted", "error", err)
			})
		} else if len(vecs) == 1 {
			hits, err := e.vectors.Search(ctx, vecs[0], 20)
			if err != nil {
				return nil, fmt.Errorf("find links: %w", err)
			}
			for _, hit := range hits {
				if seen[hit.ID] {
					continue
				}
				ent, err := e.entities.GetByID(ctx, hit.ID)
				if err != nil {
					return nil, fmt.Errorf("find links: %w", err)
				}
				if ent == nil {
					continue
				}
				seen[ent.ID] = true
				out = append(out, *ent)
			}
			return out, nil
		}
	}
	all, err := e.entities.ListAll(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("find links: %w", err)
	}
	needle := strings.ToLower(text)
	for _, ent := range all {
		if seen[ent.ID] {
			continue
		}
		if strings.Contains(strings.ToLower(ent.Text), needle) {
			seen[ent.ID] = true
			out = append(out, ent)
		}
	}
	return out, nil
}

func unionByID(a, b []store.Entity) []store.Entity {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]store.Entity, 0, len(a)+len(b))
	for _, ent := range a {
		if !seen[ent.ID] {
			seen[ent.ID] = true
			out = append(out, ent)
		}
	}
	for _, ent := range b {
		if !seen[ent.ID] {
			seen[ent.ID] = true
			out = append(out, ent)
		}
	}
	return out
}

func entityTypesByID(lists ...[]store.Entity) map[string]string {
	out := make(map[string]string)
	for _, list := range lists {
		for _, ent := range list {
			out[ent.ID] = ent.Type
		}
	}
	return out
}

// filterLinks applies the query's link-type and entity-type filters. An
// entity-type filter keeps links touching at least one matching endpoint.
func filterLinks(links []store.Link, linkTypes, entityTypes []string, typeOf map[string]string) []store.Link {
	if len(linkTypes) == 0 && len(entityTypes) == 0 {
		return links
	}
	wantLink := make(map[string]bool, len(linkTypes))
	for _, t := range linkTypes {
		wantLink[t] = true
	}
	wantEntity := make(map[string]bool, len(entityTypes))
	for _, t := range entityTypes {
		wantEntity[t] = true
	}
	out := links[:0]
	for _, l := range links {
		if len(wantLink) > 0 && !wantLink[l.LinkType] {
			continue
		}
		if len(wantEntity) > 0 &&
			!wantEntity[typeOf[l.SourceEntityID]] && !wantEntity[typeOf[l.TargetEntityID]] {
			continue
		}
		out = append(out, l)
	}
	return out
}
