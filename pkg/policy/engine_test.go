package policy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/acl"
	"github.com/gantrylabs/gantry/pkg/audit"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/scanner"
	"github.com/gantrylabs/gantry/pkg/store"
)

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine *Engine
	mock   sqlmock.Sqlmock
}

// newEngine builds an engine over a mocked database. The construction
// expectations (audit head recovery, policy chain load) are consumed
// here; tests only declare their per-evaluation expectations.
func newEngine(t *testing.T, policyRows *sqlmock.Rows) *engineFixture {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := &store.DB{DB: sqlx.NewDb(mockDB, "sqlmock"), Driver: store.DriverSQLite}

	mock.ExpectQuery(`SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))
	auditLogger, err := audit.New(context.Background(), store.NewAuditRepo(db))
	require.NoError(t, err)

	if policyRows == nil {
		policyRows = policyCols()
	}
	mock.ExpectQuery(`SELECT \* FROM policies WHERE enabled`).WillReturnRows(policyRows)

	limiter := ratelimit.New(store.NewRateCounterRepo(db), store.NewRateLimitConfigRepo(db))
	eng := New(
		context.Background(),
		limiter,
		scanner.New(slog.Default()),
		auditLogger,
		store.NewPolicyRepo(db),
		store.NewPrincipalRepo(db),
		store.NewACLRepo(db),
		slog.Default(),
		WithClock(func() time.Time { return testNow }),
	)
	return &engineFixture{engine: eng, mock: mock}
}

func policyCols() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "type", "rules", "enabled", "priority", "created_at", "updated_at"})
}

func principalRow(id int64, role string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "email", "role", "created_at"}).
		AddRow(id, "user", "user@example.com", role, testNow)
}

// expectRateAllow consumes the Resolve + Apply(0) + Apply(1) sequence of
// Limiter.Allow with count below the limit.
func (f *engineFixture) expectRateAllow(pid int64, endpoint string, count int) {
	f.mock.ExpectQuery(`SELECT \* FROM rate_limit_config`).
		WithArgs(endpoint).
		WillReturnRows(sqlmock.NewRows([]string{"endpoint", "limit_value", "window_seconds"}).
			AddRow(endpoint, 100, 60))
	for _, c := range []int{count, count + 1} {
		f.mock.ExpectQuery(`INSERT INTO rate_counters`).
			WillReturnRows(sqlmock.NewRows([]string{"principal_id", "endpoint", "limit_value", "window_seconds", "current_count", "window_start"}).
				AddRow(pid, endpoint, 100, 60, c, int64(1_700_000_000)))
	}
}

// expectRateDenied consumes Resolve + Apply(0) with the counter at the
// limit, so Allow stops without incrementing.
func (f *engineFixture) expectRateDenied(pid int64, endpoint string) {
	f.mock.ExpectQuery(`SELECT \* FROM rate_limit_config`).
		WithArgs(endpoint).
		WillReturnRows(sqlmock.NewRows([]string{"endpoint", "limit_value", "window_seconds"}).
			AddRow(endpoint, 100, 60))
	f.mock.ExpectQuery(`INSERT INTO rate_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"principal_id", "endpoint", "limit_value", "window_seconds", "current_count", "window_start"}).
			AddRow(pid, endpoint, 100, 60, 100, int64(1_700_000_000)))
}

func (f *engineFixture) expectPrincipal(id int64, role string) {
	f.mock.ExpectQuery(`SELECT \* FROM principals WHERE id`).
		WithArgs(id).
		WillReturnRows(principalRow(id, role))
}

func (f *engineFixture) expectAuditInsert(decision string) {
	f.mock.ExpectQuery(`INSERT INTO audit_log`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			decision, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
}

func TestEvaluateAllowAdminRead(t *testing.T) {
	f := newEngine(t, nil)
	f.expectRateAllow(1, "documents", 4)
	f.expectPrincipal(1, store.RoleAdmin) // role rule
	f.expectPrincipal(1, store.RoleAdmin) // classification rule
	f.expectAuditInsert(store.DecisionAllow)

	dec := f.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  1,
		Action:       "documents.read",
		ResourceType: "documents",
	})
	assert.True(t, dec.Allowed)
	assert.Equal(t, "Access granted", dec.Reason)
	assert.True(t, dec.AuditRequired)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, dec.DecisionHash)
	assert.NotEmpty(t, dec.Conditions)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateRateLimited(t *testing.T) {
	f := newEngine(t, nil)
	f.expectRateDenied(2, "search")
	f.expectAuditInsert(store.DecisionRateLimitExceeded)

	dec := f.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  2,
		Action:       "search.read",
		ResourceType: "search",
	})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "Rate limit exceeded")
	assert.Contains(t, dec.Conditions, "endpoint=search")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateContentDenied(t *testing.T) {
	f := newEngine(t, nil)
	f.expectRateAllow(3, "comments", 0)
	f.expectAuditInsert(store.DecisionDeny)

	dec := f.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  3,
		Action:       "comments.create",
		ResourceType: "comments",
		Context: map[string]interface{}{
			"content": "'; DROP TABLE users; --",
		},
	})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "violations")
	require.Len(t, dec.Conditions, 1)
	assert.Contains(t, dec.Conditions[0], "severity=")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateRoleDenied(t *testing.T) {
	f := newEngine(t, nil)
	f.expectRateAllow(4, "documents", 0)
	f.expectPrincipal(4, store.RoleViewer)
	f.expectAuditInsert(store.DecisionDeny)

	dec := f.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  4,
		Action:       "documents.delete",
		ResourceType: "documents",
	})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "viewer")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateProjectDenied(t *testing.T) {
	f := newEngine(t, nil)
	f.expectRateAllow(5, "documents", 0)
	f.expectPrincipal(5, store.RoleEngineer) // role rule passes on read
	f.mock.ExpectQuery(`SELECT \* FROM acl_entries`).
		WithArgs(int64(5), int64(77), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "principal_id", "project_id", "role", "permissions", "granted_by", "granted_at", "expires_at"}))
	f.expectPrincipal(5, store.RoleEngineer) // project rule global-role check
	f.expectAuditInsert(store.DecisionDeny)

	dec := f.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  5,
		Action:       "documents.read",
		ResourceType: "documents",
		Context:      map[string]interface{}{"project_id": float64(77)},
	})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "project 77")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateClassificationDenied(t *testing.T) {
	f := newEngine(t, nil)
	f.expectRateAllow(6, "documents", 0)
	f.expectPrincipal(6, store.RoleViewer) // role rule passes on read
	f.expectPrincipal(6, store.RoleViewer) // classification rule
	f.expectAuditInsert(store.DecisionDeny)

	dec := f.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  6,
		Action:       "documents.read",
		ResourceType: "documents",
		Context:      map[string]interface{}{"classification": "restricted"},
	})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "restricted")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateErrorStillAudited(t *testing.T) {
	f := newEngine(t, nil)
	f.expectRateAllow(7, "documents", 0)
	f.mock.ExpectQuery(`SELECT \* FROM principals WHERE id`).
		WithArgs(int64(7)).
		WillReturnError(assert.AnError)
	f.expectAuditInsert(store.DecisionDeny)

	dec := f.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  7,
		Action:       "documents.read",
		ResourceType: "documents",
	})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "Policy evaluation error")
	assert.True(t, dec.AuditRequired)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateInvalidRequest(t *testing.T) {
	f := newEngine(t, nil)
	f.expectAuditInsert(store.DecisionDeny)

	dec := f.engine.Evaluate(context.Background(), &Request{Action: "read"})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "required")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateABACPolicyFromTable(t *testing.T) {
	rows := policyCols().AddRow(
		1, "working-hours-only", store.PolicyTypeABAC,
		`{"expression": "action != \"documents.purge\""}`,
		true, 10, testNow, testNow,
	)
	f := newEngine(t, rows)

	f.expectRateAllow(1, "documents", 0)
	f.expectPrincipal(1, store.RoleAdmin) // role rule
	f.expectPrincipal(1, store.RoleAdmin) // classification default appended after custom rules
	f.expectAuditInsert(store.DecisionDeny)

	dec := f.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  1,
		Action:       "documents.purge",
		ResourceType: "documents",
	})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "working-hours-only")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateTemporalPolicyFromTable(t *testing.T) {
	rows := policyCols().AddRow(
		1, "office-hours", store.PolicyTypeTemporal,
		`{"start_hour": 22, "end_hour": 23}`,
		true, 10, testNow, testNow,
	)
	f := newEngine(t, rows)

	f.expectRateAllow(1, "documents", 0)
	f.expectPrincipal(1, store.RoleAdmin)
	f.expectPrincipal(1, store.RoleAdmin)
	f.expectAuditInsert(store.DecisionDeny)

	// testNow is 10:00 UTC, outside the 22:00-23:00 window.
	dec := f.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  1,
		Action:       "documents.read",
		ResourceType: "documents",
	})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "outside allowed hours")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEvaluateGeofenceDeny(t *testing.T) {
	mockless := newEngine(t, nil)
	mockless.engine.geofence.BlockPrefixes = []string{"10.9."}

	mockless.expectRateAllow(1, "documents", 0)
	mockless.expectPrincipal(1, store.RoleAdmin)
	mockless.expectPrincipal(1, store.RoleAdmin)
	mockless.expectAuditInsert(store.DecisionDeny)

	dec := mockless.engine.Evaluate(context.Background(), &Request{
		PrincipalID:  1,
		Action:       "documents.read",
		ResourceType: "documents",
		Context:      map[string]interface{}{"ip_address": "10.9.8.7"},
	})
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "blocked by prefix")
	assert.NoError(t, mockless.mock.ExpectationsWereMet())
}

func TestDecisionHashDeterministic(t *testing.T) {
	f := newEngine(t, nil)
	req := &Request{PrincipalID: 1, Action: "documents.read", ResourceType: "documents", ResourceID: "42"}
	dec := &Decision{Allowed: true, Reason: "Access granted"}

	h1 := f.engine.decisionHash(req, dec)
	h2 := f.engine.decisionHash(req, dec)
	assert.Equal(t, h1, h2)

	other := f.engine.decisionHash(req, &Decision{Allowed: false, Reason: "nope"})
	assert.NotEqual(t, h1, other)
}

func TestPermissionFor(t *testing.T) {
	assert.Equal(t, acl.PermissionRead, PermissionFor("documents.read"))
	assert.Equal(t, acl.PermissionRead, PermissionFor("list"))
	assert.Equal(t, acl.PermissionWrite, PermissionFor("sources.update"))
	assert.Equal(t, acl.PermissionExecute, PermissionFor("hydration.run"))
	assert.Equal(t, acl.PermissionExecute, PermissionFor("hydrate_scheduled"))
	assert.Equal(t, acl.PermissionExport, PermissionFor("audit.export"))
	// Unknown verbs gate on themselves: only the wildcard grants them.
	assert.Equal(t, "approve", PermissionFor("regression.approve"))
}
