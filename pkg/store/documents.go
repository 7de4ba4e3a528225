package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// DocumentRepo persists ingested documents, unique per
// (workspace_id, source_type, source_document_id).
type DocumentRepo struct {
	db *DB
}

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// Upsert inserts or refreshes the document row for its source key and fills
// in ID and CreatedAt.
func (r *DocumentRepo) Upsert(ctx context.Context, d *Document) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	q := r.db.Rebind(`
		INSERT INTO documents (workspace_id, source_type, source_document_id, source_path, name, mime, size, modified_time, checksum, doc_type, ingestion_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, source_type, source_document_id) DO UPDATE SET
			source_path = excluded.source_path,
			name = excluded.name,
			mime = excluded.mime,
			size = excluded.size,
			modified_time = excluded.modified_time,
			checksum = excluded.checksum,
			doc_type = excluded.doc_type,
			ingestion_status = excluded.ingestion_status,
			updated_at = excluded.updated_at
		RETURNING id, created_at`)
	err := r.db.QueryRowxContext(ctx, q,
		d.WorkspaceID, d.SourceType, d.SourceDocumentID, d.SourcePath, d.Name, d.MIME,
		d.Size, d.ModifiedTime, d.Checksum, d.DocType, d.IngestionStatus, d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// GetByKey returns the document for its source key, or nil when absent.
func (r *DocumentRepo) GetByKey(ctx context.Context, workspaceID, sourceType, sourceDocumentID string) (*Document, error) {
	var d Document
	q := r.db.Rebind(`
		SELECT * FROM documents
		WHERE workspace_id = ? AND source_type = ? AND source_document_id = ?`)
	err := r.db.GetContext(ctx, &d, q, workspaceID, sourceType, sourceDocumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document by key: %w", err)
	}
	return &d, nil
}

func (r *DocumentRepo) GetByID(ctx context.Context, id int64) (*Document, error) {
	var d Document
	q := r.db.Rebind(`SELECT * FROM documents WHERE id = ?`)
	if err := r.db.GetContext(ctx, &d, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %d: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return &d, nil
}

func (r *DocumentRepo) SetStatus(ctx context.Context, id int64, status string) error {
	q := r.db.Rebind(`UPDATE documents SET ingestion_status = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, status, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("set document status %d: %w", id, err)
	}
	return nil
}

func (r *DocumentRepo) ListByWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]Document, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []Document
	q := r.db.Rebind(`
		SELECT * FROM documents WHERE workspace_id = ?
		ORDER BY id LIMIT ? OFFSET ?`)
	if err := r.db.SelectContext(ctx, &out, q, workspaceID, limit, offset); err != nil {
		return nil, fmt.Errorf("list documents for %s: %w", workspaceID, err)
	}
	return out, nil
}

// VersionRepo persists document versions. version_num assignment happens in
// SQL so it stays contiguous per document.
type VersionRepo struct {
	db *DB
}

func NewVersionRepo(db *DB) *VersionRepo {
	return &VersionRepo{db: db}
}

// Latest returns the highest version for the document, or nil when none.
func (r *VersionRepo) Latest(ctx context.Context, documentID int64) (*DocumentVersion, error) {
	var v DocumentVersion
	q := r.db.Rebind(`
		SELECT * FROM document_versions
		WHERE document_id = ?
		ORDER BY version_num DESC LIMIT 1`)
	err := r.db.GetContext(ctx, &v, q, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version of %d: %w", documentID, err)
	}
	return &v, nil
}

// Create inserts the next version, assigning version_num = max+1 in the
// same statement.
func (r *VersionRepo) Create(ctx context.Context, v *DocumentVersion) error {
	v.CreatedAt = time.Now().UTC()
	if v.EmbeddingStatus == "" {
		v.EmbeddingStatus = PhasePending
	}
	if v.IndexStatus == "" {
		v.IndexStatus = PhasePending
	}
	if v.LinkStatus == "" {
		v.LinkStatus = PhasePending
	}
	q := r.db.Rebind(`
		INSERT INTO document_versions (document_id, version_num, modified_time, checksum, raw_blob_ref, extracted_text, extracted_structured, chunk_count, embedding_status, index_status, link_status, created_at)
		VALUES (?, (SELECT COALESCE(MAX(version_num), 0) + 1 FROM document_versions WHERE document_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, version_num`)
	err := r.db.QueryRowxContext(ctx, q,
		v.DocumentID, v.DocumentID, v.ModifiedTime, v.Checksum, v.RawBlobRef,
		v.ExtractedText, v.ExtractedStructured, v.ChunkCount,
		v.EmbeddingStatus, v.IndexStatus, v.LinkStatus, v.CreatedAt,
	).Scan(&v.ID, &v.VersionNum)
	if err != nil {
		return fmt.Errorf("create version for %d: %w", v.DocumentID, err)
	}
	return nil
}

// Delete removes a version that never finished processing so the next
// run's checksum gate retries the file instead of skipping it.
func (r *VersionRepo) Delete(ctx context.Context, id int64) error {
	q := r.db.Rebind(`DELETE FROM document_versions WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("delete version %d: %w", id, err)
	}
	return nil
}

// UpdateExtraction stores the extract phase outputs.
func (r *VersionRepo) UpdateExtraction(ctx context.Context, id int64, text string, structured JSONMap, rawBlobRef *string) error {
	q := r.db.Rebind(`
		UPDATE document_versions
		SET extracted_text = ?, extracted_structured = ?, raw_blob_ref = ?
		WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, text, structured, rawBlobRef, id); err != nil {
		return fmt.Errorf("update extraction %d: %w", id, err)
	}
	return nil
}

// UpdateIndexing stores the chunk count and marks embedding and index done.
func (r *VersionRepo) UpdateIndexing(ctx context.Context, id int64, chunkCount int) error {
	q := r.db.Rebind(`
		UPDATE document_versions
		SET chunk_count = ?, embedding_status = ?, index_status = ?
		WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, chunkCount, PhaseDone, PhaseDone, id); err != nil {
		return fmt.Errorf("update indexing %d: %w", id, err)
	}
	return nil
}

// UpdateLinking marks the linking phase done.
func (r *VersionRepo) UpdateLinking(ctx context.Context, id int64) error {
	q := r.db.Rebind(`UPDATE document_versions SET link_status = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, PhaseDone, id); err != nil {
		return fmt.Errorf("update linking %d: %w", id, err)
	}
	return nil
}

func (r *VersionRepo) GetByID(ctx context.Context, id int64) (*DocumentVersion, error) {
	var v DocumentVersion
	q := r.db.Rebind(`SELECT * FROM document_versions WHERE id = ?`)
	if err := r.db.GetContext(ctx, &v, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("version %d: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get version %d: %w", id, err)
	}
	return &v, nil
}

func (r *VersionRepo) ListByDocument(ctx context.Context, documentID int64) ([]DocumentVersion, error) {
	var out []DocumentVersion
	q := r.db.Rebind(`
		SELECT * FROM document_versions WHERE document_id = ? ORDER BY version_num`)
	if err := r.db.SelectContext(ctx, &out, q, documentID); err != nil {
		return nil, fmt.Errorf("list versions of %d: %w", documentID, err)
	}
	return out, nil
}

func (r *VersionRepo) CountByDocument(ctx context.Context, documentID int64) (int, error) {
	var n int
	q := r.db.Rebind(`SELECT COUNT(1) FROM document_versions WHERE document_id = ?`)
	if err := r.db.GetContext(ctx, &n, q, documentID); err != nil {
		return 0, fmt.Errorf("count versions of %d: %w", documentID, err)
	}
	return n, nil
}
