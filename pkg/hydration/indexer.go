package hydration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gantrylabs/gantry/pkg/store"
)

// IndexingClient pushes chunk batches into the search index. The pipeline
// records the count it reports on the document version.
type IndexingClient interface {
	IndexChunks(ctx context.Context, workspaceID string, documentID, versionID int64, chunks []Chunk) (int, error)
}

const indexerBatchSize = 64

// VectorIndexer embeds chunks through the configured provider and writes
// them into the vector store under workspace-scoped keys, so semantic
// search stays partitioned per tenant.
type VectorIndexer struct {
	embedder store.Embedder
	vectors  store.VectorStore
	logger   *slog.Logger
}

// NewVectorIndexer wires an embedding provider to a vector store.
func NewVectorIndexer(embedder store.Embedder, vectors store.VectorStore, logger *slog.Logger) *VectorIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorIndexer{
		embedder: embedder,
		vectors:  vectors,
		logger:   logger.With("component", "indexer"),
	}
}

// ChunkKey is the vector-store key for one chunk.
func ChunkKey(workspaceID string, documentID, versionID int64, ordinal int) string {
	return fmt.Sprintf("chunk:%s:%d:%d:%d", workspaceID, documentID, versionID, ordinal)
}

func (ix *VectorIndexer) IndexChunks(ctx context.Context, workspaceID string, documentID, versionID int64, chunks []Chunk) (int, error) {
	indexed := 0
	for start := 0; start < len(chunks); start += indexerBatchSize {
		end := start + indexerBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("embed chunks: %w", err)
		}
		if len(vecs) != len(batch) {
			return indexed, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(batch))
		}
		for i, c := range batch {
			key := ChunkKey(workspaceID, documentID, versionID, c.Ordinal)
			if err := ix.vectors.Put(ctx, key, vecs[i]); err != nil {
				return indexed, fmt.Errorf("store chunk %s: %w", key, err)
			}
			indexed++
		}
	}
	return indexed, nil
}
