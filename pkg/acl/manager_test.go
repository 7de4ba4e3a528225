package acl

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/store"
)

func newManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := &store.DB{DB: sqlx.NewDb(mockDB, "sqlmock"), Driver: store.DriverSQLite}
	return NewManager(store.NewACLRepo(db), store.NewPrincipalRepo(db), store.NewProjectRepo(db)), mock
}

func principalCols() []string {
	return []string{"id", "name", "email", "role", "created_at"}
}

func aclCols() []string {
	return []string{"id", "principal_id", "project_id", "role", "permissions", "granted_by", "granted_at", "expires_at"}
}

func expectPrincipalExists(mock sqlmock.Sqlmock, id int64, exists bool) {
	n := 0
	if exists {
		n = 1
	}
	mock.ExpectQuery("SELECT COUNT\\(1\\) FROM principals").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
}

func expectProjectExists(mock sqlmock.Sqlmock, id int64, exists bool) {
	n := 0
	if exists {
		n = 1
	}
	mock.ExpectQuery("SELECT COUNT\\(1\\) FROM projects").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
}

func TestRolePermissionsExpansion(t *testing.T) {
	assert.Equal(t, []string{PermissionAll}, RolePermissions(store.RoleAdmin))
	assert.Equal(t, []string{"read", "write", "execute", "export"}, RolePermissions(store.RoleDirector))
	assert.Equal(t, []string{"read", "write", "execute"}, RolePermissions(store.RoleEngineer))
	assert.Equal(t, []string{"read", "write", "export"}, RolePermissions(store.RoleCommercial))
	assert.Equal(t, []string{"read", "write"}, RolePermissions(store.RoleSafetyOfficer))
	assert.Equal(t, []string{"read"}, RolePermissions(store.RoleViewer))
	assert.Nil(t, RolePermissions("intern"))
}

func TestGrantWritesRoleExpansion(t *testing.T) {
	m, mock := newManager(t)
	granter := int64(99)

	expectPrincipalExists(mock, 5, true)
	expectPrincipalExists(mock, granter, true)
	expectProjectExists(mock, 12, true)
	mock.ExpectQuery("INSERT INTO acl_entries").
		WithArgs(int64(5), int64(12), store.RoleEngineer, `["read","write","execute"]`, granter, sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(31)))

	entry, err := m.Grant(context.Background(), 5, 12, store.RoleEngineer, &granter, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(31), entry.ID)
	assert.Equal(t, store.StringList{"read", "write", "execute"}, entry.Permissions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRejectsUnknownRole(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Grant(context.Background(), 5, 12, "superuser", nil, nil)
	assert.ErrorIs(t, err, api.ErrInvalidInput)
}

func TestGrantRejectsMissingPrincipal(t *testing.T) {
	m, mock := newManager(t)
	expectPrincipalExists(mock, 5, false)

	_, err := m.Grant(context.Background(), 5, 12, store.RoleViewer, nil, nil)
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRejectsMissingProject(t *testing.T) {
	m, mock := newManager(t)
	expectPrincipalExists(mock, 5, true)
	expectProjectExists(mock, 12, false)

	_, err := m.Grant(context.Background(), 5, 12, store.RoleViewer, nil, nil)
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionsUsesExplicitGrant(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectQuery("SELECT \\* FROM acl_entries").
		WithArgs(int64(5), int64(12), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(aclCols()).
			AddRow(1, 5, 12, store.RoleViewer, `["read"]`, nil, time.Now(), nil))

	perms, err := m.Permissions(context.Background(), 5, 12)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, perms)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionsGlobalDirectorFallback(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectQuery("SELECT \\* FROM acl_entries").
		WithArgs(int64(5), int64(12), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(aclCols()))
	mock.ExpectQuery("SELECT \\* FROM principals").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(principalCols()).
			AddRow(5, "Dana", "dana@example.com", store.RoleDirector, time.Now()))

	perms, err := m.Permissions(context.Background(), 5, 12)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write", "execute", "export"}, perms)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionsEmptyForUngrantedViewer(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectQuery("SELECT \\* FROM acl_entries").
		WithArgs(int64(5), int64(12), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(aclCols()))
	mock.ExpectQuery("SELECT \\* FROM principals").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(principalCols()).
			AddRow(5, "Vic", "vic@example.com", store.RoleViewer, time.Now()))

	perms, err := m.Permissions(context.Background(), 5, 12)
	require.NoError(t, err)
	assert.Empty(t, perms)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPermissionAdminImpliesAll(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectQuery("SELECT \\* FROM acl_entries").
		WithArgs(int64(1), int64(12), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(aclCols()).
			AddRow(9, 1, 12, store.RoleAdmin, `["*"]`, nil, time.Now(), nil))

	ok, err := m.CheckPermission(context.Background(), 1, 12, "export")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPermissionDeniesOutsideExpansion(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectQuery("SELECT \\* FROM acl_entries").
		WithArgs(int64(2), int64(12), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(aclCols()).
			AddRow(10, 2, 12, store.RoleSafetyOfficer, `["read","write"]`, nil, time.Now(), nil))

	ok, err := m.CheckPermission(context.Background(), 2, 12, "export")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectsForGlobalAdminSeesAll(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectQuery("SELECT \\* FROM principals").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(principalCols()).
			AddRow(1, "Root", "root@example.com", store.RoleAdmin, time.Now()))
	mock.ExpectQuery("SELECT \\* FROM projects").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}).
			AddRow(11, "Tower A", time.Now()).
			AddRow(12, "Tower B", time.Now()))

	ids, err := m.ProjectsFor(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectsForRegularPrincipalUsesGrants(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectQuery("SELECT \\* FROM principals").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(principalCols()).
			AddRow(5, "Eng", "eng@example.com", store.RoleEngineer, time.Now()))
	mock.ExpectQuery("SELECT \\* FROM acl_entries").
		WithArgs(int64(5), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(aclCols()).
			AddRow(1, 5, 12, store.RoleEngineer, `["read"]`, nil, time.Now(), nil))

	ids, err := m.ProjectsFor(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipalsForMergesImplicitGlobals(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectQuery("SELECT \\* FROM acl_entries").
		WithArgs(int64(12), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(aclCols()).
			AddRow(1, 5, 12, store.RoleEngineer, `["read"]`, nil, time.Now(), nil).
			AddRow(2, 7, 12, store.RoleViewer, `["read"]`, nil, time.Now(), nil))
	mock.ExpectQuery("SELECT id FROM principals WHERE role IN").
		WithArgs(store.RoleAdmin, store.RoleDirector).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(5))

	ids, err := m.PrincipalsFor(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5, 7}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeReportsExistence(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectExec("DELETE FROM acl_entries").
		WithArgs(int64(5), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := m.Revoke(context.Background(), 5, 12)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("DELETE FROM acl_entries").
		WithArgs(int64(5), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = m.Revoke(context.Background(), 5, 12)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
