// Package acl manages project grants: role-to-permission expansion,
// grants with optional expiry, and the implicit project access global
// admins and directors carry.
package acl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/store"
)

// Permissions grantable on a project. PermissionAll matches any check.
const (
	PermissionRead    = "read"
	PermissionWrite   = "write"
	PermissionExecute = "execute"
	PermissionExport  = "export"
	PermissionAll     = "*"
)

// rolePermissions is the fixed role expansion.
var rolePermissions = map[string][]string{
	store.RoleAdmin:         {PermissionAll},
	store.RoleDirector:      {PermissionRead, PermissionWrite, PermissionExecute, PermissionExport},
	store.RoleEngineer:      {PermissionRead, PermissionWrite, PermissionExecute},
	store.RoleCommercial:    {PermissionRead, PermissionWrite, PermissionExport},
	store.RoleSafetyOfficer: {PermissionRead, PermissionWrite},
	store.RoleViewer:        {PermissionRead},
}

// RolePermissions returns the expansion for role, nil for unknown roles.
// The returned slice is a copy.
func RolePermissions(role string) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// ValidRole reports whether role is one of the fixed global roles.
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// globalFallbackRoles get project access without an explicit grant.
var globalFallbackRoles = []string{store.RoleAdmin, store.RoleDirector}

// Manager answers grant, revoke, and permission questions over the ACL,
// principal, and project repositories.
type Manager struct {
	acls       *store.ACLRepo
	principals *store.PrincipalRepo
	projects   *store.ProjectRepo
}

func NewManager(acls *store.ACLRepo, principals *store.PrincipalRepo, projects *store.ProjectRepo) *Manager {
	return &Manager{acls: acls, principals: principals, projects: projects}
}

// Grant upserts a project grant carrying the role's permission expansion.
// The grantee, the granter when given, and the project must all exist.
func (m *Manager) Grant(ctx context.Context, principalID, projectID int64, role string, grantedBy *int64, expiresAt *time.Time) (*store.ACLEntry, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q: %w", role, api.ErrInvalidInput)
	}
	if err := m.requirePrincipal(ctx, principalID); err != nil {
		return nil, err
	}
	if grantedBy != nil {
		if err := m.requirePrincipal(ctx, *grantedBy); err != nil {
			return nil, err
		}
	}
	ok, err := m.projects.Exists(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("project %d: %w", projectID, api.ErrNotFound)
	}

	entry := &store.ACLEntry{
		PrincipalID: principalID,
		ProjectID:   projectID,
		Role:        role,
		Permissions: store.StringList(RolePermissions(role)),
		GrantedBy:   grantedBy,
		ExpiresAt:   expiresAt,
	}
	if err := m.acls.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Revoke deletes the grant and reports whether one existed.
func (m *Manager) Revoke(ctx context.Context, principalID, projectID int64) (bool, error) {
	return m.acls.Delete(ctx, principalID, projectID)
}

// Permissions returns the principal's effective permissions on the
// project: the explicit non-expired grant when present, otherwise the
// global-role expansion for admins and directors, otherwise nothing.
func (m *Manager) Permissions(ctx context.Context, principalID, projectID int64) ([]string, error) {
	entry, err := m.acls.Get(ctx, principalID, projectID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if len(entry.Permissions) > 0 {
			return entry.Permissions, nil
		}
		return RolePermissions(entry.Role), nil
	}

	p, err := m.principals.GetByID(ctx, principalID)
	if err != nil {
		return nil, err
	}
	for _, role := range globalFallbackRoles {
		if p.Role == role {
			return RolePermissions(role), nil
		}
	}
	return nil, nil
}

// CheckPermission reports whether the principal holds the permission on
// the project. Admin-expanded grants match everything.
func (m *Manager) CheckPermission(ctx context.Context, principalID, projectID int64, permission string) (bool, error) {
	perms, err := m.Permissions(ctx, principalID, projectID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == PermissionAll || p == permission {
			return true, nil
		}
	}
	return false, nil
}

// ProjectsFor returns the project ids the principal can reach. Global
// admins and directors reach every project.
func (m *Manager) ProjectsFor(ctx context.Context, principalID int64) ([]int64, error) {
	p, err := m.principals.GetByID(ctx, principalID)
	if err != nil {
		return nil, err
	}
	for _, role := range globalFallbackRoles {
		if p.Role == role {
			projects, err := m.projects.List(ctx)
			if err != nil {
				return nil, err
			}
			ids := make([]int64, 0, len(projects))
			for _, pr := range projects {
				ids = append(ids, pr.ID)
			}
			return ids, nil
		}
	}

	entries, err := m.acls.ListByPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ProjectID)
	}
	return ids, nil
}

// PrincipalsFor returns the principal ids with access to the project:
// explicit non-expired grants plus implicit global admins and directors,
// deduplicated and sorted.
func (m *Manager) PrincipalsFor(ctx context.Context, projectID int64) ([]int64, error) {
	entries, err := m.acls.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	implicit, err := m.acls.PrincipalsByRole(ctx, globalFallbackRoles...)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(entries)+len(implicit))
	var ids []int64
	for _, e := range entries {
		if !seen[e.PrincipalID] {
			seen[e.PrincipalID] = true
			ids = append(ids, e.PrincipalID)
		}
	}
	for _, id := range implicit {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Manager) requirePrincipal(ctx context.Context, id int64) error {
	ok, err := m.principals.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("principal %d: %w", id, api.ErrNotFound)
	}
	return nil
}
