package roles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/storage"
)

// Target identifies what a request acts on. Zero ids mean "not given".
type Target struct {
	OrganizationID int64
	CourseID       int64
}

// Roles is the effective role set of a user for one Target
type Roles struct {
	UserID int64 `json:"userId"`

	// OrganizationID is the user's own organization, 0 when they have none
	OrganizationID int64        `json:"organizationId,omitempty"`
	OrgRole        auth.OrgRole `json:"orgRole"`

	CourseID   int64           `json:"courseId,omitempty"`
	CourseRole auth.CourseRole `json:"courseRole"`
}

// Resolver loads a user's effective roles
type Resolver interface {
	// Resolve returns the org role and course role of userID for target.
	// A missing user is a not-found error; a missing membership is not an
	// error and yields the "none" role.
	Resolve(ctx context.Context, userID int64, target Target) (Roles, error)
}

// Store resolves roles from the membership tables
type Store struct {
	db storage.DBTX
}

// NewStore creates a resolver backed by db. db may be a *sql.Tx.
func NewStore(db storage.DBTX) *Store {
	return &Store{db: db}
}

// Resolve loads both memberships in a single round trip. Placeholders must
// appear in argument order: SQLite numbers $N parameters as it meets them.
//
// The org role only applies when it is relevant to the target: if the
// target names an organization it must be the user's, and if it names only a
// course that course must belong to the user's organization. With no target
// at all the user's own org role is returned.
func (s *Store) Resolve(ctx context.Context, userID int64, target Target) (Roles, error) {
	var (
		uid        int64
		orgID      sql.NullInt64
		orgRole    sql.NullString
		courseRole sql.NullString
		courseOrg  sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, ou.organization_id, ou.role, uc.role, c.organization_id
		FROM (SELECT CAST($1 AS BIGINT) AS user_id, CAST($2 AS BIGINT) AS course_id) t
		JOIN users u ON u.id = t.user_id
		LEFT JOIN organization_users ou ON ou.user_id = u.id
		LEFT JOIN user_courses uc ON uc.user_id = u.id AND uc.course_id = t.course_id
		LEFT JOIN courses c ON c.id = t.course_id`,
		userID, target.CourseID,
	).Scan(&uid, &orgID, &orgRole, &courseRole, &courseOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return Roles{}, apperr.NotFoundf("roles.Resolve", "user %d", userID)
	}
	if err != nil {
		return Roles{}, fmt.Errorf("failed to resolve roles: %w", err)
	}

	r := Roles{
		UserID:     uid,
		CourseID:   target.CourseID,
		OrgRole:    auth.OrgRoleNone,
		CourseRole: auth.CourseRoleNone,
	}

	if courseRole.Valid && target.CourseID != 0 {
		r.CourseRole = auth.CourseRole(courseRole.String)
	}

	if orgID.Valid {
		r.OrganizationID = orgID.Int64
		if orgRoleApplies(orgID.Int64, target, courseOrg) {
			r.OrgRole = auth.OrgRole(orgRole.String)
		}
	}

	return r, nil
}

func orgRoleApplies(userOrg int64, target Target, courseOrg sql.NullInt64) bool {
	switch {
	case target.OrganizationID != 0:
		if userOrg != target.OrganizationID {
			return false
		}
		// a course outside the named organization makes the target incoherent
		if target.CourseID != 0 && (!courseOrg.Valid || courseOrg.Int64 != userOrg) {
			return false
		}
		return true
	case target.CourseID != 0:
		return courseOrg.Valid && courseOrg.Int64 == userOrg
	default:
		return true
	}
}
