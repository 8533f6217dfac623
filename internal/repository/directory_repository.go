package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// DirectoryRepository answers user, role, permission and location queries.
// Permissions are matched by name or by id.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// GetUser retrieves a user by id.
func (r *DirectoryRepository) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, manager_id, primary_location_id,
		       status = 'active', deleted_at IS NOT NULL
		FROM users
		WHERE id = $1
	`

	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// UserHasPermission reports whether the user holds an active role granting permission.
func (r *DirectoryRepository) UserHasPermission(ctx context.Context, userID, permission string) (bool, error) {
	query := `
		SELECT EXISTS (
		    SELECT 1
		    FROM user_roles ur
		    JOIN roles r             ON r.id = ur.role_id AND r.status = 'active'
		    JOIN role_permissions rp ON rp.role_id = r.id
		    JOIN permissions p       ON p.id = rp.permission_id
		    WHERE ur.user_id = $1
		      AND (p.name = $2 OR p.id::text = $2)
		)
	`

	var ok bool
	if err := r.db.QueryRow(ctx, query, userID, permission).Scan(&ok); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check user permission")
	}
	return ok, nil
}

// UsersWithPermission lists active users holding an active role granting
// permission. A non-empty roleIDs restricts the roles considered.
func (r *DirectoryRepository) UsersWithPermission(ctx context.Context, permission string, roleIDs []string) ([]*User, error) {
	query := `
		SELECT DISTINCT u.id, u.manager_id, u.primary_location_id,
		       u.status = 'active', u.deleted_at IS NOT NULL
		FROM users u
		JOIN user_roles ur       ON ur.user_id = u.id
		JOIN roles r             ON r.id = ur.role_id AND r.status = 'active'
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p       ON p.id = rp.permission_id
		WHERE u.status = 'active'
		  AND u.deleted_at IS NULL
		  AND (p.name = $1 OR p.id::text = $1)
		  AND (cardinality($2::text[]) = 0 OR r.id::text = ANY($2::text[]))
		ORDER BY u.id
	`

	if roleIDs == nil {
		roleIDs = []string{}
	}
	rows, err := r.db.Query(ctx, query, permission, roleIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users with permission")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate users")
	}
	return users, nil
}

// PermissionExists matches permission by name or id.
func (r *DirectoryRepository) PermissionExists(ctx context.Context, permission string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM permissions WHERE name = $1 OR id::text = $1)`

	var ok bool
	if err := r.db.QueryRow(ctx, query, permission).Scan(&ok); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check permission")
	}
	return ok, nil
}

// GetLocation retrieves a location by id.
func (r *DirectoryRepository) GetLocation(ctx context.Context, id string) (*Location, error) {
	query := `SELECT id, parent_id, path FROM locations WHERE id = $1`

	loc := &Location{}
	err := r.db.QueryRow(ctx, query, id).Scan(&loc.ID, &loc.ParentID, &loc.Path)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("location", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get location")
	}
	return loc, nil
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	if err := row.Scan(&u.ID, &u.ManagerID, &u.PrimaryLocationID, &u.Active, &u.Deleted); err != nil {
		return nil, err
	}
	return u, nil
}
