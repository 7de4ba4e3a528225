package audit

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/store"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newLogger(t *testing.T, storedHead string) (*Logger, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := &store.DB{DB: sqlx.NewDb(mockDB, "sqlmock"), Driver: store.DriverSQLite}

	headRows := sqlmock.NewRows([]string{"entry_hash"})
	if storedHead != "" {
		headRows.AddRow(storedHead)
	}
	mock.ExpectQuery(`SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`).
		WillReturnRows(headRows)

	l, err := New(context.Background(), store.NewAuditRepo(db))
	require.NoError(t, err)
	l.now = func() time.Time { return testNow }
	return l, mock
}

func auditCols() []string {
	return []string{
		"id", "principal_id", "action", "resource_type", "resource_id",
		"decision", "metadata", "ip", "timestamp",
		"payload_hash", "previous_hash", "entry_hash",
	}
}

func rowsFor(recs ...*store.AuditRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows(auditCols())
	for _, r := range recs {
		rows.AddRow(r.ID, r.PrincipalID, r.Action, r.ResourceType, r.ResourceID,
			r.Decision, "{}", r.IP, r.Timestamp,
			r.PayloadHash, r.PreviousHash, r.EntryHash)
	}
	return rows
}

// chainedRecords builds n records linked from genesis with valid hashes.
func chainedRecords(t *testing.T, n int) []*store.AuditRecord {
	t.Helper()
	prev := genesisHash
	out := make([]*store.AuditRecord, 0, n)
	for i := 0; i < n; i++ {
		rec := &store.AuditRecord{
			ID:           int64(i + 1),
			Action:       "document.read",
			Decision:     store.DecisionAllow,
			Timestamp:    testNow.Add(time.Duration(i) * time.Second),
			PreviousHash: prev,
		}
		var err error
		rec.PayloadHash, err = payloadHash(rec)
		require.NoError(t, err)
		rec.EntryHash, err = entryHash(rec)
		require.NoError(t, err)
		prev = rec.EntryHash
		out = append(out, rec)
	}
	return out
}

func TestLogStartsAtGenesis(t *testing.T) {
	l, mock := newLogger(t, "")
	require.Equal(t, "genesis", l.Head())

	want := &store.AuditRecord{
		Action:       "document.read",
		Decision:     store.DecisionAllow,
		Timestamp:    testNow,
		PreviousHash: genesisHash,
	}
	wantPayload, err := payloadHash(want)
	require.NoError(t, err)
	want.PayloadHash = wantPayload
	wantEntry, err := entryHash(want)
	require.NoError(t, err)

	mock.ExpectQuery(`INSERT INTO audit_log`).
		WithArgs(nil, "document.read", nil, nil, store.DecisionAllow,
			"{}", nil, testNow, wantPayload, genesisHash, wantEntry).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	rec, err := l.Log(context.Background(), Entry{
		Action:   "document.read",
		Decision: store.DecisionAllow,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ID)
	assert.Equal(t, genesisHash, rec.PreviousHash)
	assert.Equal(t, wantEntry, rec.EntryHash)
	assert.Equal(t, wantEntry, l.Head())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogLinksConsecutiveRecords(t *testing.T) {
	l, mock := newLogger(t, "")

	mock.ExpectQuery(`INSERT INTO audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	first, err := l.Log(context.Background(), Entry{Action: "document.read", Decision: store.DecisionAllow})
	require.NoError(t, err)

	mock.ExpectQuery(`INSERT INTO audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	second, err := l.Log(context.Background(), Entry{Action: "document.write", Decision: store.DecisionDeny})
	require.NoError(t, err)

	assert.Equal(t, first.EntryHash, second.PreviousHash)
	assert.NotEqual(t, first.EntryHash, second.EntryHash)
	assert.Equal(t, second.EntryHash, l.Head())
}

func TestNewRecoversChainHead(t *testing.T) {
	stored := "sha256:feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface"
	l, mock := newLogger(t, stored)
	require.Equal(t, stored, l.Head())

	mock.ExpectQuery(`INSERT INTO audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	rec, err := l.Log(context.Background(), Entry{Action: "policy.refresh", Decision: store.DecisionAllow})
	require.NoError(t, err)
	assert.Equal(t, stored, rec.PreviousHash)
}

func TestLogRequiresActionAndDecision(t *testing.T) {
	l, _ := newLogger(t, "")

	_, err := l.Log(context.Background(), Entry{Decision: store.DecisionAllow})
	assert.ErrorIs(t, err, api.ErrInvalidInput)

	_, err = l.Log(context.Background(), Entry{Action: "document.read"})
	assert.ErrorIs(t, err, api.ErrInvalidInput)
}

func TestLogCarriesOptionalFields(t *testing.T) {
	l, mock := newLogger(t, "")

	pid := int64(7)
	rt := "document"
	rid := "doc-1"
	ip := "10.0.0.8"
	mock.ExpectQuery(`INSERT INTO audit_log`).
		WithArgs(pid, "document.export", rt, rid, store.DecisionDeny,
			`{"reason":"clearance"}`, ip, testNow,
			sqlmock.AnyArg(), genesisHash, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	rec, err := l.Log(context.Background(), Entry{
		PrincipalID:  &pid,
		Action:       "document.export",
		ResourceType: &rt,
		ResourceID:   &rid,
		Decision:     store.DecisionDeny,
		Metadata:     store.JSONMap{"reason": "clearance"},
		IP:           &ip,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.PayloadHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyChainCleanLog(t *testing.T) {
	l, mock := newLogger(t, "")
	recs := chainedRecords(t, 3)

	mock.ExpectQuery(`SELECT \* FROM audit_log WHERE id > \? ORDER BY id LIMIT \?`).
		WithArgs(int64(0), verifyBatchSize).
		WillReturnRows(rowsFor(recs...))
	mock.ExpectQuery(`SELECT \* FROM audit_log WHERE id > \? ORDER BY id LIMIT \?`).
		WithArgs(int64(3), verifyBatchSize).
		WillReturnRows(rowsFor())

	report, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Checked)
	assert.Empty(t, report.Reason)
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	l, mock := newLogger(t, "")
	recs := chainedRecords(t, 3)
	recs[1].Decision = store.DecisionDeny // altered after hashing

	mock.ExpectQuery(`SELECT \* FROM audit_log WHERE id > \? ORDER BY id LIMIT \?`).
		WillReturnRows(rowsFor(recs...))

	report, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.BrokenAt)
	assert.Contains(t, report.Reason, "payload hash")
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	l, mock := newLogger(t, "")
	recs := chainedRecords(t, 3)
	recs[2].PreviousHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

	mock.ExpectQuery(`SELECT \* FROM audit_log WHERE id > \? ORDER BY id LIMIT \?`).
		WillReturnRows(rowsFor(recs...))

	report, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(3), report.BrokenAt)
	assert.Contains(t, report.Reason, "previous hash")
}

func TestVerifyChainTrustsTrimmedFront(t *testing.T) {
	l, mock := newLogger(t, "")
	recs := chainedRecords(t, 3)

	// Retention removed record 1; the walk starts from record 2's link.
	mock.ExpectQuery(`SELECT \* FROM audit_log WHERE id > \? ORDER BY id LIMIT \?`).
		WillReturnRows(rowsFor(recs[1], recs[2]))
	mock.ExpectQuery(`SELECT \* FROM audit_log WHERE id > \? ORDER BY id LIMIT \?`).
		WillReturnRows(rowsFor())

	report, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Checked)
}

func TestExportBundleVerifies(t *testing.T) {
	l, mock := newLogger(t, "")
	recs := chainedRecords(t, 3)

	// Query returns newest first; Export reorders into chain order.
	mock.ExpectQuery(`SELECT \* FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT \?`).
		WithArgs(exportLimit).
		WillReturnRows(rowsFor(recs[2], recs[1], recs[0]))

	b, err := l.Export(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, bundleVersion, b.Version)
	assert.Equal(t, int64(1), b.StartID)
	assert.Equal(t, int64(3), b.EndID)
	assert.Equal(t, 3, b.EntryCount)
	assert.Equal(t, recs[2].EntryHash, b.ChainHead)
	assert.Equal(t, testNow, b.CreatedAt)
	require.NoError(t, VerifyBundle(b))
}

func TestExportEmptyRange(t *testing.T) {
	l, mock := newLogger(t, "")

	mock.ExpectQuery(`SELECT \* FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT \?`).
		WillReturnRows(rowsFor())

	_, err := l.Export(context.Background(), store.AuditFilter{})
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestVerifyBundleDetectsTampering(t *testing.T) {
	recs := chainedRecords(t, 2)
	entries := []store.AuditRecord{*recs[0], *recs[1]}
	hash, err := bundleHash(entries)
	require.NoError(t, err)
	b := &Bundle{
		BundleID:   "b-1",
		Version:    bundleVersion,
		CreatedAt:  testNow,
		StartID:    1,
		EndID:      2,
		EntryCount: 2,
		Entries:    entries,
		ChainHead:  entries[1].EntryHash,
		BundleHash: hash,
	}
	require.NoError(t, VerifyBundle(b))

	tampered := *b
	tampered.BundleHash = "sha256:deadbeef"
	assert.ErrorContains(t, VerifyBundle(&tampered), "bundle hash mismatch")

	edited := *b
	edited.Entries = append([]store.AuditRecord{}, entries...)
	edited.Entries[0].Decision = store.DecisionDeny
	edited.BundleHash, err = bundleHash(edited.Entries)
	require.NoError(t, err)
	assert.ErrorContains(t, VerifyBundle(&edited), "payload hash mismatch")

	assert.ErrorIs(t, VerifyBundle(&Bundle{}), api.ErrInvalidInput)
}
