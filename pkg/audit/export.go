package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/canonicalize"
	"github.com/gantrylabs/gantry/pkg/store"
)

// bundleVersion is bumped whenever the bundle layout or hashing changes.
const bundleVersion = "1.0.0"

// exportLimit caps how many records one bundle may carry. It matches the
// repository's query ceiling; asking for more would be clamped anyway.
const exportLimit = 1000

// Bundle is a self-contained export of a slice of the audit log. A third
// party can check it offline with VerifyBundle: the bundle hash covers the
// canonical form of the entries, and the entries carry their own chain.
type Bundle struct {
	BundleID   string              `json:"bundle_id"`
	Version    string              `json:"version"`
	CreatedAt  time.Time           `json:"created_at"`
	StartID    int64               `json:"start_id"`
	EndID      int64               `json:"end_id"`
	EntryCount int                 `json:"entry_count"`
	Entries    []store.AuditRecord `json:"entries"`
	ChainHead  string              `json:"chain_head"`
	BundleHash string              `json:"bundle_hash"`
}

// Export snapshots the records matching the filter into a bundle. Entries
// are ordered oldest first so their chain linkage reads forward.
func (l *Logger) Export(ctx context.Context, f store.AuditFilter) (*Bundle, error) {
	if f.Limit <= 0 || f.Limit > exportLimit {
		f.Limit = exportLimit
	}
	entries, err := l.repo.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no audit records match the export filter", api.ErrNotFound)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	b := &Bundle{
		BundleID:   uuid.NewString(),
		Version:    bundleVersion,
		CreatedAt:  l.now().UTC(),
		StartID:    entries[0].ID,
		EndID:      entries[len(entries)-1].ID,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}
	b.BundleHash, err = bundleHash(b.Entries)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// VerifyBundle checks a bundle's integrity without touching the database:
// the bundle hash, each entry's recomputed hashes, and the chain linkage
// between consecutive entries.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return fmt.Errorf("%w: bundle is empty", api.ErrInvalidInput)
	}

	computed, err := bundleHash(b.Entries)
	if err != nil {
		return err
	}
	if computed != b.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}

	for i := range b.Entries {
		rec := &b.Entries[i]
		wantPayload, err := payloadHash(rec)
		if err != nil {
			return err
		}
		if rec.PayloadHash != wantPayload {
			return fmt.Errorf("payload hash mismatch at entry %d", rec.ID)
		}
		wantEntry, err := entryHash(rec)
		if err != nil {
			return err
		}
		if rec.EntryHash != wantEntry {
			return fmt.Errorf("entry hash mismatch at entry %d", rec.ID)
		}
		if i > 0 && rec.PreviousHash != b.Entries[i-1].EntryHash {
			return fmt.Errorf("chain broken at entry %d", rec.ID)
		}
	}

	if b.ChainHead != b.Entries[len(b.Entries)-1].EntryHash {
		return fmt.Errorf("chain head does not match the newest entry")
	}
	return nil
}

func bundleHash(entries []store.AuditRecord) (string, error) {
	canonical, err := canonicalize.JCS(entries)
	if err != nil {
		return "", fmt.Errorf("canonicalize bundle entries: %w", err)
	}
	return canonicalize.HashPrefixed(canonical), nil
}
