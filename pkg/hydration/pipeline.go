// Package hydration ingests workspace documents from configured sources.
// One run lists changed files per source, downloads and extracts new
// versions, classifies and chunks them, pushes chunks to the index, and
// hands each document to the linking engine, recording per-file outcomes
// and operator alerts along the way.
package hydration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/blob"
	"github.com/gantrylabs/gantry/pkg/canonicalize"
	"github.com/gantrylabs/gantry/pkg/locks"
	"github.com/gantrylabs/gantry/pkg/observability"
	"github.com/gantrylabs/gantry/pkg/queue"
	"github.com/gantrylabs/gantry/pkg/secrets"
	"github.com/gantrylabs/gantry/pkg/store"
)

// Persistence surfaces the pipeline writes through. The pkg/store
// repositories satisfy all of them.
type (
	// SourceStore reads workspace source rows.
	SourceStore interface {
		ListByWorkspace(ctx context.Context, workspaceID string, enabledOnly bool) ([]store.WorkspaceSource, error)
		ListDue(ctx context.Context, now time.Time) ([]store.WorkspaceSource, error)
	}

	// StateStore tracks per-source hydration progress.
	StateStore interface {
		GetOrCreate(ctx context.Context, sourceID int64) (*store.HydrationState, error)
		MarkRunning(ctx context.Context, sourceID int64) error
		MarkSuccess(ctx context.Context, sourceID int64, cursor *string) error
		MarkFailure(ctx context.Context, sourceID int64, msg string) error
		SetNextRun(ctx context.Context, sourceID int64, at time.Time) error
	}

	// RunStore persists run lifecycles.
	RunStore interface {
		Create(ctx context.Context, run *store.HydrationRun) error
		UpdateCounters(ctx context.Context, run *store.HydrationRun) error
		Finalize(ctx context.Context, run *store.HydrationRun) error
	}

	// ItemStore records per-file outcomes.
	ItemStore interface {
		Insert(ctx context.Context, it *store.HydrationRunItem) error
	}

	// DocumentStore persists documents.
	DocumentStore interface {
		Upsert(ctx context.Context, d *store.Document) error
		GetByKey(ctx context.Context, workspaceID, sourceType, sourceDocumentID string) (*store.Document, error)
		SetStatus(ctx context.Context, id int64, status string) error
	}

	// VersionStore persists document versions and phase progress.
	VersionStore interface {
		Latest(ctx context.Context, documentID int64) (*store.DocumentVersion, error)
		Create(ctx context.Context, v *store.DocumentVersion) error
		Delete(ctx context.Context, id int64) error
		UpdateExtraction(ctx context.Context, id int64, text string, structured store.JSONMap, rawBlobRef *string) error
		UpdateIndexing(ctx context.Context, id int64, chunkCount int) error
		UpdateLinking(ctx context.Context, id int64) error
	}

	// AlertStore records operator-facing warnings.
	AlertStore interface {
		Insert(ctx context.Context, a *store.HydrationAlert) error
	}
)

// Stores bundles the persistence surfaces one pipeline writes through.
type Stores struct {
	Sources   SourceStore
	States    StateStore
	Runs      RunStore
	Items     ItemStore
	Documents DocumentStore
	Versions  VersionStore
	Alerts    AlertStore
}

// ULEHook hands freshly extracted text to the linking engine and reports
// how many entities it produced.
type ULEHook interface {
	Run(ctx context.Context, workspaceID string, documentID int64, documentName, text string) (int, error)
}

// RunOptions select what one hydration pass covers.
type RunOptions struct {
	// Trigger records what started the run; empty means manual.
	Trigger string
	// SourceIDs restricts the pass to specific sources.
	SourceIDs []int64
	// ForceFullScan ignores stored cursors.
	ForceFullScan bool
	// MaxFiles caps files per source; zero takes the pipeline default.
	MaxFiles int
	// DryRun classifies changes without writing documents or versions.
	DryRun bool
	// Lease is a hydration lock the caller already holds. The pipeline
	// confirms it per source instead of acquiring its own.
	Lease *locks.Lease
}

const (
	defaultMaxFiles   = 500
	defaultLockTTL    = 2 * time.Hour
	counterFlushEvery = 25
)

var validTriggers = map[string]bool{
	store.TriggerScheduled: true,
	store.TriggerManual:    true,
	store.TriggerAPI:       true,
	store.TriggerRecovery:  true,
}

// Pipeline executes hydration runs for workspaces.
type Pipeline struct {
	stores    Stores
	registry  *Registry
	secrets   secrets.Resolver
	locks     locks.Manager
	blobs     blob.Store
	extractor *Router
	indexer   IndexingClient
	ule       ULEHook
	obs       *observability.Provider
	logger    *slog.Logger
	now       func() time.Time
	lockTTL   time.Duration
	maxFiles  int
	chunkSize int
}

// Option tweaks pipeline construction.
type Option func(*Pipeline)

// WithBlobStore archives raw downloads into s.
func WithBlobStore(s blob.Store) Option {
	return func(p *Pipeline) { p.blobs = s }
}

// WithExtractor replaces the default extractor router.
func WithExtractor(r *Router) Option {
	return func(p *Pipeline) { p.extractor = r }
}

// WithIndexer pushes chunks through c after extraction.
func WithIndexer(c IndexingClient) Option {
	return func(p *Pipeline) { p.indexer = c }
}

// WithULE runs the linking hook after indexing.
func WithULE(h ULEHook) Option {
	return func(p *Pipeline) { p.ule = h }
}

// WithObservability records spans and counters on obs.
func WithObservability(obs *observability.Provider) Option {
	return func(p *Pipeline) { p.obs = obs }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLockTTL sets the workspace lease TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(p *Pipeline) {
		if ttl > 0 {
			p.lockTTL = ttl
		}
	}
}

// WithMaxFiles sets the default per-source file budget.
func WithMaxFiles(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxFiles = n
		}
	}
}

// WithChunkSize sets the chunk budget in runes.
func WithChunkSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// NewPipeline assembles a pipeline over the given stores, connector
// registry, secrets resolver, and lock manager.
func NewPipeline(stores Stores, registry *Registry, resolver secrets.Resolver, lockMgr locks.Manager, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hydration")
	p := &Pipeline{
		stores:    stores,
		registry:  registry,
		secrets:   resolver,
		locks:     lockMgr,
		extractor: NewRouter(logger),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		lockTTL:   defaultLockTTL,
		maxFiles:  defaultMaxFiles,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type leaseState struct {
	lease *locks.Lease
	owned bool
}

// HydrateWorkspace runs one hydration pass over the workspace's enabled
// sources and returns the finalized run. Item failures leave the run
// partial; the run fails outright only when every source fails.
func (p *Pipeline) HydrateWorkspace(ctx context.Context, workspaceID string, opts RunOptions) (*store.HydrationRun, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id is required", api.ErrInvalidInput)
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = store.TriggerManual
	}
	if !validTriggers[trigger] {
		return nil, fmt.Errorf("%w: unknown trigger %q", api.ErrInvalidInput, trigger)
	}

	sources, err := p.stores.Sources.ListByWorkspace(ctx, workspaceID, true)
	if err != nil {
		return nil, err
	}
	sources = filterSources(sources, opts.SourceIDs)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: workspace %s has no enabled sources to hydrate", api.ErrInvalidInput, workspaceID)
	}

	run := &store.HydrationRun{
		ID:           uuid.NewString(),
		WorkspaceID:  workspaceID,
		Trigger:      trigger,
		Status:       store.RunStatusRunning,
		SourcesCount: len(sources),
	}
	if err := p.stores.Runs.Create(ctx, run); err != nil {
		return nil, err
	}

	var done func(error)
	if p.obs != nil {
		ctx, done = p.obs.TrackOperation(ctx, "hydration.run",
			attribute.String("workspace", workspaceID),
			attribute.String("trigger", trigger),
		)
	}

	logger := p.logger.With("run_id", run.ID, "workspace_id", workspaceID, "trigger", trigger)
	logger.Info("hydration run started", "sources", len(sources))

	ls := leaseState{lease: opts.Lease}
	var sourceErrs []string
	failedSources := 0

	for i := range sources {
		if err := ctx.Err(); err != nil {
			sourceErrs = append(sourceErrs, fmt.Sprintf("interrupted: %v", err))
			break
		}
		src := &sources[i]

		held, err := p.confirmLease(ctx, workspaceID, &ls)
		if err != nil {
			sourceErrs = append(sourceErrs, fmt.Sprintf("lock: %v", err))
			break
		}
		if !held {
			logger.Warn("hydration lock held elsewhere, skipping source", "source_id", src.ID)
			p.alert(ctx, workspaceID, &run.ID, store.AlertAuth, "warning",
				fmt.Sprintf("hydration lock for workspace %s is held by another worker, skipped source %s", workspaceID, src.Name))
			continue
		}

		if err := p.hydrateSource(ctx, logger, run, src, opts); err != nil {
			failedSources++
			sourceErrs = append(sourceErrs, fmt.Sprintf("source %d (%s): %v", src.ID, src.Name, err))
			logger.Error("source pass failed", "source_id", src.ID, "error", err)
		}
		if err := p.stores.Runs.UpdateCounters(ctx, run); err != nil {
			logger.Warn("counter flush failed", "error", err)
		}
	}

	if ls.owned && ls.lease != nil {
		if err := ls.lease.Release(ctx); err != nil {
			logger.Warn("lease release failed", "error", err)
		}
	}

	switch {
	case failedSources > 0 && failedSources == len(sources):
		run.Status = store.RunStatusFailed
	case failedSources > 0 || run.FilesFailed > 0:
		run.Status = store.RunStatusPartial
	default:
		run.Status = store.RunStatusSuccess
	}
	if len(sourceErrs) > 0 || run.FilesFailed > 0 {
		parts := sourceErrs
		if run.FilesFailed > 0 {
			parts = append(parts, fmt.Sprintf("%d items failed", run.FilesFailed))
		}
		summary := strings.Join(parts, "; ")
		run.ErrorSummary = &summary
	}

	if err := p.stores.Runs.Finalize(ctx, run); err != nil {
		if done != nil {
			done(err)
		}
		return run, err
	}
	if done != nil {
		done(nil)
	}
	logger.Info("hydration run finished",
		"status", run.Status,
		"files_seen", run.FilesSeen,
		"files_new", run.FilesNew,
		"files_updated", run.FilesUpdated,
		"files_failed", run.FilesFailed,
	)
	return run, nil
}

// confirmLease acquires the workspace lock on first use and re-validates
// it before each subsequent source. A lock owned by another worker yields
// (false, nil); backend trouble degrades rather than aborting the run.
func (p *Pipeline) confirmLease(ctx context.Context, workspaceID string, ls *leaseState) (bool, error) {
	if ls.lease == nil {
		lease, err := p.locks.Acquire(ctx, locks.HydrationKey(workspaceID), p.lockTTL)
		if errors.Is(err, locks.ErrHeld) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		ls.lease, ls.owned = lease, true
		return true, nil
	}

	if err := ls.lease.Extend(ctx, p.lockTTL); err != nil {
		if errors.Is(err, locks.ErrNotHeld) {
			ls.lease, ls.owned = nil, false
			return p.confirmLease(ctx, workspaceID, ls)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		p.logger.Warn("lease extend failed, continuing", "workspace_id", workspaceID, "error", err)
	}
	return true, nil
}

// hydrateSource runs one source pass: connector construction, listing,
// and per-item processing. Item failures are contained; only listing and
// setup failures fail the source.
func (p *Pipeline) hydrateSource(ctx context.Context, logger *slog.Logger, run *store.HydrationRun, src *store.WorkspaceSource, opts RunOptions) error {
	state, err := p.stores.States.GetOrCreate(ctx, src.ID)
	if err != nil {
		return err
	}
	if err := p.stores.States.MarkRunning(ctx, src.ID); err != nil {
		return err
	}

	fail := func(category, msg string, cause error) error {
		full := fmt.Sprintf("%s: %v", msg, cause)
		if merr := p.stores.States.MarkFailure(ctx, src.ID, full); merr != nil {
			logger.Warn("mark failure failed", "source_id", src.ID, "error", merr)
		}
		p.alert(ctx, run.WorkspaceID, &run.ID, category, "error",
			fmt.Sprintf("source %s: %s", src.Name, full))
		return fmt.Errorf("%s: %w", msg, cause)
	}

	var secretsMap map[string]string
	if src.SecretsRef != nil && *src.SecretsRef != "" {
		secretsMap, err = p.secrets.Resolve(ctx, src.WorkspaceID, *src.SecretsRef)
		if err != nil {
			return fail(store.AlertAuth, "resolve secrets", err)
		}
	}

	conn, err := p.registry.Build(src.SourceType, src.Config, secretsMap)
	if err != nil {
		return fail(store.AlertSystem, "build connector", err)
	}

	cursor := state.Cursor
	if opts.ForceFullScan {
		cursor = nil
	}
	items, newCursor, err := conn.ListChanges(ctx, cursor)
	if err != nil {
		return fail(store.AlertSystem, "list changes", err)
	}
	logger.Info("source listed",
		"source_id", src.ID,
		"source_type", src.SourceType,
		"items", len(items),
		"full_scan", cursor == nil,
	)

	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = p.maxFiles
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return fail(store.AlertSystem, "interrupted", err)
		}
		if i >= maxFiles {
			p.alert(ctx, run.WorkspaceID, &run.ID, store.AlertQuota, "info",
				fmt.Sprintf("source %s: file budget of %d reached, %d items deferred to the next pass", src.Name, maxFiles, len(items)-maxFiles))
			break
		}
		run.FilesSeen++
		if err := p.processItem(ctx, logger, run, src, conn, item, opts); err != nil {
			run.FilesFailed++
		}
		if run.FilesSeen%counterFlushEvery == 0 {
			if err := p.stores.Runs.UpdateCounters(ctx, run); err != nil {
				logger.Warn("counter flush failed", "error", err)
			}
		}
	}

	return p.stores.States.MarkSuccess(ctx, src.ID, newCursor)
}

// processItem carries one file through metadata, checksum gating,
// download, extraction, classification, indexing, and linking. A nil
// return means the item reached a terminal state without failing.
func (p *Pipeline) processItem(ctx context.Context, logger *slog.Logger, run *store.HydrationRun, src *store.WorkspaceSource, conn Connector, item Item, opts RunOptions) error {
	started := p.now()
	phases := store.JSONMap{}
	var version *store.DocumentVersion

	itemFail := func(docID *int64, meta *FileMeta, action, category string, cause error) error {
		name, srcDocID := item.ID, item.ID
		if meta != nil {
			name, srcDocID = meta.Name, meta.SourceDocumentID
		}
		detail := store.JSONMap{"error": cause.Error()}
		for k, v := range phases {
			detail[k] = v
		}
		p.insertItem(ctx, logger, &store.HydrationRunItem{
			RunID:            run.ID,
			DocumentID:       docID,
			SourceDocumentID: srcDocID,
			Name:             name,
			Action:           action,
			Status:           store.ItemStatusFailed,
			DurationMS:       p.elapsedMS(started),
			Detail:           detail,
		})
		if docID != nil {
			if serr := p.stores.Documents.SetStatus(ctx, *docID, store.IngestionFailed); serr != nil {
				logger.Warn("document status update failed", "document_id", *docID, "error", serr)
			}
		}
		// Leaving the version behind would make the next run's checksum
		// gate skip the file as unchanged; dropping it lets the retry
		// start clean.
		if version != nil {
			if derr := p.stores.Versions.Delete(ctx, version.ID); derr != nil {
				logger.Warn("version cleanup failed", "version_id", version.ID, "error", derr)
			}
		}
		p.alert(ctx, run.WorkspaceID, &run.ID, category, "error", fmt.Sprintf("%s: %v", name, cause))
		p.recordItem(ctx, action, store.ItemStatusFailed)
		logger.Warn("item failed", "name", name, "action", action, "error", cause)
		return cause
	}

	meta, err := conn.Metadata(ctx, item)
	if err != nil {
		return itemFail(nil, nil, store.ItemActionSkip, store.AlertExtraction, fmt.Errorf("metadata: %w", err))
	}

	if meta.Removed {
		doc, err := p.stores.Documents.GetByKey(ctx, run.WorkspaceID, src.SourceType, meta.SourceDocumentID)
		if err != nil {
			return itemFail(nil, meta, store.ItemActionDelete, store.AlertSystem, err)
		}
		detail := store.JSONMap{}
		var docID *int64
		status := store.ItemStatusSkipped
		if doc != nil {
			if err := p.stores.Documents.SetStatus(ctx, doc.ID, store.IngestionDeleted); err != nil {
				return itemFail(&doc.ID, meta, store.ItemActionDelete, store.AlertSystem, err)
			}
			docID = &doc.ID
			status = store.ItemStatusSuccess
		} else {
			detail["reason"] = "unknown_document"
		}
		p.insertItem(ctx, logger, &store.HydrationRunItem{
			RunID:            run.ID,
			DocumentID:       docID,
			SourceDocumentID: meta.SourceDocumentID,
			Name:             meta.Name,
			Action:           store.ItemActionDelete,
			Status:           status,
			DurationMS:       p.elapsedMS(started),
			Detail:           detail,
		})
		p.recordItem(ctx, store.ItemActionDelete, status)
		return nil
	}

	existing, err := p.stores.Documents.GetByKey(ctx, run.WorkspaceID, src.SourceType, meta.SourceDocumentID)
	if err != nil {
		return itemFail(nil, meta, store.ItemActionSkip, store.AlertSystem, err)
	}

	checksum := meta.Checksum
	if checksum == "" {
		checksum = canonicalize.HashPrefixed([]byte(meta.SourceDocumentID))
	}

	action := store.ItemActionNew
	if existing != nil {
		action = store.ItemActionUpdate
		latest, err := p.stores.Versions.Latest(ctx, existing.ID)
		if err != nil {
			return itemFail(&existing.ID, meta, action, store.AlertSystem, err)
		}
		if latest != nil && latest.Checksum == checksum {
			p.insertItem(ctx, logger, &store.HydrationRunItem{
				RunID:            run.ID,
				DocumentID:       &existing.ID,
				SourceDocumentID: meta.SourceDocumentID,
				Name:             meta.Name,
				Action:           store.ItemActionSkip,
				Status:           store.ItemStatusSkipped,
				DurationMS:       p.elapsedMS(started),
				Detail:           store.JSONMap{"reason": "unchanged"},
			})
			p.recordItem(ctx, store.ItemActionSkip, store.ItemStatusSkipped)
			return nil
		}
	}

	if opts.DryRun {
		var docID *int64
		if existing != nil {
			docID = &existing.ID
		}
		p.insertItem(ctx, logger, &store.HydrationRunItem{
			RunID:            run.ID,
			DocumentID:       docID,
			SourceDocumentID: meta.SourceDocumentID,
			Name:             meta.Name,
			Action:           action,
			Status:           store.ItemStatusSuccess,
			DurationMS:       p.elapsedMS(started),
			Detail: store.JSONMap{
				"dry_run":  true,
				"doc_type": Classify(meta.Name, ""),
			},
		})
		p.recordItem(ctx, action, store.ItemStatusSuccess)
		return nil
	}

	doc := existing
	if doc == nil {
		doc = &store.Document{
			WorkspaceID:      run.WorkspaceID,
			SourceType:       src.SourceType,
			SourceDocumentID: meta.SourceDocumentID,
		}
	}
	doc.SourcePath = meta.Path
	doc.Name = meta.Name
	doc.MIME = meta.MIME
	doc.Size = meta.Size
	doc.ModifiedTime = meta.ModifiedTime
	doc.Checksum = checksum
	if doc.DocType == "" {
		doc.DocType = Classify(meta.Name, "")
	}
	doc.IngestionStatus = store.IngestionDiscovered
	if err := p.stores.Documents.Upsert(ctx, doc); err != nil {
		return itemFail(nil, meta, action, store.AlertSystem, err)
	}

	version = &store.DocumentVersion{
		DocumentID:   doc.ID,
		ModifiedTime: meta.ModifiedTime,
		Checksum:     checksum,
	}
	if err := p.stores.Versions.Create(ctx, version); err != nil {
		return itemFail(&doc.ID, meta, action, store.AlertSystem, err)
	}

	phaseStart := p.now()
	data, err := conn.Download(ctx, item)
	if err != nil {
		return itemFail(&doc.ID, meta, action, store.AlertExtraction, fmt.Errorf("download: %w", err))
	}
	phases["download_ms"] = p.elapsedMS(phaseStart)
	run.FilesDownloaded++

	var rawRef *string
	if p.blobs != nil {
		if ref, err := p.blobs.Put(ctx, data); err != nil {
			logger.Warn("blob archive failed", "name", meta.Name, "error", err)
		} else {
			rawRef = &ref
		}
	}

	phaseStart = p.now()
	text, structured, err := p.extractor.Extract(ctx, data, meta)
	if err != nil {
		return itemFail(&doc.ID, meta, action, store.AlertExtraction, err)
	}
	phases["extract_ms"] = p.elapsedMS(phaseStart)

	doc.DocType = Classify(meta.Name, text)
	doc.IngestionStatus = store.IngestionExtracted
	if err := p.stores.Documents.Upsert(ctx, doc); err != nil {
		return itemFail(&doc.ID, meta, action, store.AlertSystem, err)
	}
	if err := p.stores.Versions.UpdateExtraction(ctx, version.ID, text, structured, rawRef); err != nil {
		return itemFail(&doc.ID, meta, action, store.AlertSystem, err)
	}
	run.FilesExtracted++

	chunks := SplitParagraphs(text, p.chunkSize)
	chunkCount := len(chunks)
	if p.indexer != nil {
		phaseStart = p.now()
		chunkCount, err = p.indexer.IndexChunks(ctx, run.WorkspaceID, doc.ID, version.ID, chunks)
		if err != nil {
			return itemFail(&doc.ID, meta, action, store.AlertIndexing, fmt.Errorf("index: %w", err))
		}
		phases["index_ms"] = p.elapsedMS(phaseStart)
	}
	phases["chunks"] = chunkCount
	if err := p.stores.Versions.UpdateIndexing(ctx, version.ID, chunkCount); err != nil {
		return itemFail(&doc.ID, meta, action, store.AlertSystem, err)
	}
	if err := p.stores.Documents.SetStatus(ctx, doc.ID, store.IngestionIndexed); err != nil {
		return itemFail(&doc.ID, meta, action, store.AlertSystem, err)
	}
	run.FilesIndexed++

	if p.ule != nil {
		// Image-only PDFs without OCR and binary files extract no text.
		// They finish linked with zero entities rather than tripping the
		// engine's content guard.
		entityCount := 0
		if strings.TrimSpace(text) != "" {
			phaseStart = p.now()
			entityCount, err = p.ule.Run(ctx, run.WorkspaceID, doc.ID, doc.Name, text)
			if err != nil {
				return itemFail(&doc.ID, meta, action, store.AlertULE, fmt.Errorf("linking: %w", err))
			}
			phases["link_ms"] = p.elapsedMS(phaseStart)
		}
		phases["entity_count"] = entityCount
		if err := p.stores.Versions.UpdateLinking(ctx, version.ID); err != nil {
			return itemFail(&doc.ID, meta, action, store.AlertSystem, err)
		}
		if err := p.stores.Documents.SetStatus(ctx, doc.ID, store.IngestionLinked); err != nil {
			return itemFail(&doc.ID, meta, action, store.AlertSystem, err)
		}
		run.FilesLinked++
	}

	detail := store.JSONMap{"version": version.VersionNum, "doc_type": doc.DocType}
	for k, v := range phases {
		detail[k] = v
	}
	if rawRef != nil {
		detail["raw_blob_ref"] = *rawRef
	}
	p.insertItem(ctx, logger, &store.HydrationRunItem{
		RunID:            run.ID,
		DocumentID:       &doc.ID,
		SourceDocumentID: meta.SourceDocumentID,
		Name:             meta.Name,
		Action:           action,
		Status:           store.ItemStatusSuccess,
		DurationMS:       p.elapsedMS(started),
		Detail:           detail,
	})
	p.recordItem(ctx, action, store.ItemStatusSuccess)
	if action == store.ItemActionNew {
		run.FilesNew++
	} else {
		run.FilesUpdated++
	}
	return nil
}

func (p *Pipeline) insertItem(ctx context.Context, logger *slog.Logger, it *store.HydrationRunItem) {
	if it.Detail == nil {
		it.Detail = store.JSONMap{}
	}
	if err := p.stores.Items.Insert(ctx, it); err != nil {
		logger.Warn("run item insert failed", "name", it.Name, "error", err)
	}
}

func (p *Pipeline) alert(ctx context.Context, workspaceID string, runID *string, category, severity, msg string) {
	a := &store.HydrationAlert{
		WorkspaceID: workspaceID,
		Severity:    severity,
		Category:    category,
		Message:     msg,
		RunID:       runID,
	}
	if err := p.stores.Alerts.Insert(ctx, a); err != nil {
		p.logger.Warn("alert insert failed", "category", category, "error", err)
	}
}

func (p *Pipeline) recordItem(ctx context.Context, action, status string) {
	if p.obs != nil {
		p.obs.RecordHydrationItem(ctx, action, status)
	}
}

func (p *Pipeline) elapsedMS(since time.Time) int64 {
	return p.now().Sub(since).Milliseconds()
}

func filterSources(sources []store.WorkspaceSource, ids []int64) []store.WorkspaceSource {
	if len(ids) == 0 {
		return sources
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := sources[:0]
	for _, s := range sources {
		if want[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// JobPayload is the queued request for an API-triggered run.
type JobPayload struct {
	WorkspaceID   string  `json:"workspace_id"`
	SourceIDs     []int64 `json:"source_ids,omitempty"`
	ForceFullScan bool    `json:"force_full_scan,omitempty"`
	MaxFiles      int     `json:"max_files,omitempty"`
	DryRun        bool    `json:"dry_run,omitempty"`
}

// JobHandler adapts the pipeline to the job queue. Delivery is
// at-least-once; the checksum gate keeps redelivered runs cheap.
func (p *Pipeline) JobHandler() queue.Handler {
	return func(ctx context.Context, env *queue.Envelope) error {
		var payload JobPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode hydration payload: %w", err)
		}
		if payload.WorkspaceID == "" {
			return fmt.Errorf("%w: hydration job needs a workspace_id", api.ErrInvalidInput)
		}
		p.logger.Info("hydration job received",
			"workspace_id", payload.WorkspaceID,
			"correlation_id", env.Headers.CorrelationID,
			"deliveries", env.Deliveries,
		)
		_, err := p.HydrateWorkspace(ctx, payload.WorkspaceID, RunOptions{
			Trigger:       store.TriggerAPI,
			SourceIDs:     payload.SourceIDs,
			ForceFullScan: payload.ForceFullScan,
			MaxFiles:      payload.MaxFiles,
			DryRun:        payload.DryRun,
		})
		return err
	}
}
