package memstore

import (
	"context"
	"slices"
	"sort"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*repository.User, error) {
	defer s.guard(ctx)()
	u, ok := s.st.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	return &u, nil
}

// UserHasPermission reports whether the user holds an active role granting permission.
func (s *Store) UserHasPermission(ctx context.Context, userID, permission string) (bool, error) {
	defer s.guard(ctx)()
	for _, roleID := range s.st.userRoles[userID] {
		if s.roleGrants(roleID, permission) {
			return true, nil
		}
	}
	return false, nil
}

// UsersWithPermission lists active users holding an active role granting
// permission, restricted to roleIDs when non-empty.
func (s *Store) UsersWithPermission(ctx context.Context, permission string, roleIDs []string) ([]*repository.User, error) {
	defer s.guard(ctx)()
	var out []*repository.User
	for userID, held := range s.st.userRoles {
		u, ok := s.st.users[userID]
		if !ok || !u.Eligible() {
			continue
		}
		for _, roleID := range held {
			if len(roleIDs) > 0 && !slices.Contains(roleIDs, roleID) {
				continue
			}
			if s.roleGrants(roleID, permission) {
				out = append(out, &u)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PermissionExists matches permission by id or name.
func (s *Store) PermissionExists(ctx context.Context, permission string) (bool, error) {
	defer s.guard(ctx)()
	return s.permissionKnown(permission), nil
}

// GetLocation returns a location by id.
func (s *Store) GetLocation(ctx context.Context, id string) (*repository.Location, error) {
	defer s.guard(ctx)()
	loc, ok := s.st.locations[id]
	if !ok {
		return nil, errors.NotFound("location", id)
	}
	return &loc, nil
}

func (s *Store) permissionKnown(permission string) bool {
	if _, ok := s.st.permissions[permission]; ok {
		return true
	}
	for _, name := range s.st.permissions {
		if name == permission {
			return true
		}
	}
	return false
}

// roleGrants matches the role's permissions against permission by id or name.
func (s *Store) roleGrants(roleID, permission string) bool {
	r, ok := s.st.roles[roleID]
	if !ok || !r.active {
		return false
	}
	for _, p := range r.permissions {
		if p == permission || s.st.permissions[p] == permission {
			return true
		}
		for id, name := range s.st.permissions {
			if name == p && id == permission {
				return true
			}
		}
	}
	return false
}
