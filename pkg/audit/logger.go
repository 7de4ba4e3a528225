// Package audit writes the tamper-evident decision log.
//
// Every record carries a hash of its own payload, the entry hash of the
// record before it, and an entry hash over the canonical form of both.
// The chain is anchored at "genesis"; editing or deleting a record in the
// middle breaks every hash after it, which VerifyChain detects.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/canonicalize"
	"github.com/gantrylabs/gantry/pkg/store"
)

// genesisHash anchors the chain before any record exists.
const genesisHash = "genesis"

// verifyBatchSize is how many records VerifyChain loads per page.
const verifyBatchSize = 500

// Entry is one decision to record. Optional fields may be nil.
type Entry struct {
	PrincipalID  *int64
	Action       string
	ResourceType *string
	ResourceID   *string
	Decision     string
	Metadata     store.JSONMap
	IP           *string
}

// Logger appends hash-chained records to the audit log.
//
// Appends are serialized through an in-process mutex so previous_hash
// linkage stays consistent; run one Logger per process.
type Logger struct {
	repo *store.AuditRepo
	now  func() time.Time

	mu   sync.Mutex
	head string
}

// New builds a Logger and recovers the chain head from the newest stored
// record, so restarts keep extending the existing chain.
func New(ctx context.Context, repo *store.AuditRepo) (*Logger, error) {
	head, err := repo.LastEntryHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover chain head: %w", err)
	}
	if head == "" {
		head = genesisHash
	}
	return &Logger{repo: repo, now: time.Now, head: head}, nil
}

// Head returns the entry hash of the newest record, or "genesis" when the
// log is empty.
func (l *Logger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Log appends one record and returns it with id, hashes, and timestamp set.
func (l *Logger) Log(ctx context.Context, e Entry) (*store.AuditRecord, error) {
	if e.Action == "" || e.Decision == "" {
		return nil, fmt.Errorf("%w: audit entry needs action and decision", api.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Truncated to microseconds so the hash survives a round trip through
	// a timestamptz column.
	rec := &store.AuditRecord{
		PrincipalID:  e.PrincipalID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Decision:     e.Decision,
		Metadata:     e.Metadata,
		IP:           e.IP,
		Timestamp:    l.now().UTC().Truncate(time.Microsecond),
		PreviousHash: l.head,
	}

	var err error
	rec.PayloadHash, err = payloadHash(rec)
	if err != nil {
		return nil, err
	}
	rec.EntryHash, err = entryHash(rec)
	if err != nil {
		return nil, err
	}

	if err := l.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}
	l.head = rec.EntryHash
	return rec, nil
}

// Query returns records matching the filter, newest first.
func (l *Logger) Query(ctx context.Context, f store.AuditFilter) ([]store.AuditRecord, error) {
	return l.repo.Query(ctx, f)
}

// Stats aggregates denial rate and top principals/actions/resources over a
// time range.
func (l *Logger) Stats(ctx context.Context, from, to *time.Time) (*store.AuditStats, error) {
	return l.repo.Stats(ctx, from, to)
}

// Cleanup deletes records older than the retention window and returns how
// many were removed. The chain stays verifiable from the oldest remaining
// record onward.
func (l *Logger) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	return l.repo.Cleanup(ctx, olderThanDays)
}

// VerifyReport summarizes a chain walk.
type VerifyReport struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (r *VerifyReport) fail(id int64, reason string) {
	r.Valid = false
	r.BrokenAt = id
	r.Reason = reason
}

// VerifyChain re-walks the stored chain in id order, recomputing every
// payload and entry hash and checking previous_hash linkage. The oldest
// remaining record's previous_hash is taken as the trusted start, since
// retention cleanup removes history from the front.
func (l *Logger) VerifyChain(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{Valid: true}
	var (
		afterID      int64
		expectedPrev string
		first        = true
	)
	for {
		batch, err := l.repo.ListRange(ctx, afterID, verifyBatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return report, nil
		}
		for i := range batch {
			rec := &batch[i]
			if first {
				expectedPrev = rec.PreviousHash
				first = false
			}
			if rec.PreviousHash != expectedPrev {
				report.fail(rec.ID, "previous hash does not match the preceding record")
				return report, nil
			}
			wantPayload, err := payloadHash(rec)
			if err != nil {
				return nil, err
			}
			if rec.PayloadHash != wantPayload {
				report.fail(rec.ID, "payload hash mismatch")
				return report, nil
			}
			wantEntry, err := entryHash(rec)
			if err != nil {
				return nil, err
			}
			if rec.EntryHash != wantEntry {
				report.fail(rec.ID, "entry hash mismatch")
				return report, nil
			}
			expectedPrev = rec.EntryHash
			afterID = rec.ID
			report.Checked++
		}
	}
}

// payloadHash covers the decision content itself. Field names are part of
// the canonical form, so renames here are chain-breaking.
func payloadHash(rec *store.AuditRecord) (string, error) {
	// Nil metadata is stored as {} and scans back as an empty map, so it
	// must hash as an empty map too.
	meta := rec.Metadata
	if meta == nil {
		meta = store.JSONMap{}
	}
	canonical, err := canonicalize.JCS(map[string]interface{}{
		"principal_id":  rec.PrincipalID,
		"action":        rec.Action,
		"resource_type": rec.ResourceType,
		"resource_id":   rec.ResourceID,
		"decision":      rec.Decision,
		"metadata":      meta,
		"ip":            rec.IP,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize audit payload: %w", err)
	}
	return canonicalize.HashPrefixed(canonical), nil
}

// entryHash binds a record to its position in the chain: it covers the
// payload hash, the link to the previous record, and the timestamp.
func entryHash(rec *store.AuditRecord) (string, error) {
	canonical, err := canonicalize.JCS(map[string]interface{}{
		"timestamp":     rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"action":        rec.Action,
		"decision":      rec.Decision,
		"payload_hash":  rec.PayloadHash,
		"previous_hash": rec.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	return canonicalize.HashPrefixed(canonical), nil
}
