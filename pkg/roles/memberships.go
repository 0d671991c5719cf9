package roles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/storage"
)

// UnenrollHook runs inside the unenrollment transaction to clear rows owned
// by the (user, course) pair
type UnenrollHook func(ctx context.Context, tx *sql.Tx, userID, courseID int64) error

// Memberships creates, changes and removes org and course memberships
type Memberships struct {
	db          *storage.DB
	invalidator Invalidator
	hooks       []UnenrollHook
	logger      *observability.Logger
}

// NewMemberships creates the membership service. invalidator may be nil.
func NewMemberships(db *storage.DB, invalidator Invalidator, logger *observability.Logger, hooks ...UnenrollHook) *Memberships {
	return &Memberships{
		db:          db,
		invalidator: invalidator,
		hooks:       hooks,
		logger:      logger,
	}
}

func (m *Memberships) invalidate(userID int64) {
	if m.invalidator != nil {
		m.invalidator.Invalidate(userID)
	}
}

func exists(ctx context.Context, tx *sql.Tx, query string, id int64) (bool, error) {
	var found int64
	err := tx.QueryRowContext(ctx, query, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Enroll adds userID to courseID with role
func (m *Memberships) Enroll(ctx context.Context, userID, courseID int64, role auth.CourseRole) error {
	if !role.Valid() {
		return apperr.Invalid("roles.Enroll", "invalid course role")
	}

	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "SELECT id FROM users WHERE id = $1", userID)
		if err != nil {
			return fmt.Errorf("failed to check user: %w", err)
		}
		if !ok {
			return apperr.NotFoundf("roles.Enroll", "user %d", userID)
		}
		ok, err = exists(ctx, tx, "SELECT id FROM courses WHERE id = $1", courseID)
		if err != nil {
			return fmt.Errorf("failed to check course: %w", err)
		}
		if !ok {
			return apperr.NotFoundf("roles.Enroll", "course %d", courseID)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO user_courses (user_id, course_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, course_id) DO NOTHING`,
			userID, courseID, string(role),
		)
		if err != nil {
			return fmt.Errorf("failed to enroll user: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return apperr.Conflictf("roles.Enroll", "user is already enrolled in this course")
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.invalidate(userID)
	return nil
}

// ChangeCourseRole updates the role of an existing enrollment
func (m *Memberships) ChangeCourseRole(ctx context.Context, userID, courseID int64, role auth.CourseRole) error {
	if !role.Valid() {
		return apperr.Invalid("roles.ChangeCourseRole", "invalid course role")
	}

	result, err := m.db.ExecContext(ctx,
		"UPDATE user_courses SET role = $1 WHERE user_id = $2 AND course_id = $3",
		string(role), userID, courseID,
	)
	if err != nil {
		return fmt.Errorf("failed to update course role: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFoundf("roles.ChangeCourseRole", "enrollment %d/%d", userID, courseID)
	}

	m.invalidate(userID)
	return nil
}

// Unenroll removes userID from courseID. Hooks clear the user's alerts and
// unread markers for the course in the same transaction.
func (m *Memberships) Unenroll(ctx context.Context, userID, courseID int64) error {
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM user_courses WHERE user_id = $1 AND course_id = $2",
			userID, courseID,
		)
		if err != nil {
			return fmt.Errorf("failed to unenroll user: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return apperr.NotFoundf("roles.Unenroll", "enrollment %d/%d", userID, courseID)
		}

		for _, hook := range m.hooks {
			if err := hook(ctx, tx, userID, courseID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.invalidate(userID)
	m.logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"course_id": courseID,
	}).Info("user unenrolled")
	return nil
}

// AddOrgMember attaches userID to orgID. A user belongs to at most one
// organization.
func (m *Memberships) AddOrgMember(ctx context.Context, userID, orgID int64, role auth.OrgRole) error {
	if !role.Valid() {
		return apperr.Invalid("roles.AddOrgMember", "invalid organization role")
	}

	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "SELECT id FROM users WHERE id = $1", userID)
		if err != nil {
			return fmt.Errorf("failed to check user: %w", err)
		}
		if !ok {
			return apperr.NotFoundf("roles.AddOrgMember", "user %d", userID)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO organization_users (user_id, organization_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO NOTHING`,
			userID, orgID, string(role),
		)
		if err != nil {
			return fmt.Errorf("failed to add organization member: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return apperr.Conflictf("roles.AddOrgMember", "user already belongs to an organization")
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.invalidate(userID)
	return nil
}

// ChangeOrgRole updates the role of a member of orgID
func (m *Memberships) ChangeOrgRole(ctx context.Context, userID, orgID int64, role auth.OrgRole) error {
	if !role.Valid() {
		return apperr.Invalid("roles.ChangeOrgRole", "invalid organization role")
	}

	result, err := m.db.ExecContext(ctx,
		"UPDATE organization_users SET role = $1 WHERE user_id = $2 AND organization_id = $3",
		string(role), userID, orgID,
	)
	if err != nil {
		return fmt.Errorf("failed to update organization role: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFoundf("roles.ChangeOrgRole", "member %d/%d", userID, orgID)
	}

	m.invalidate(userID)
	return nil
}

// RemoveOrgMember detaches userID from orgID
func (m *Memberships) RemoveOrgMember(ctx context.Context, userID, orgID int64) error {
	result, err := m.db.ExecContext(ctx,
		"DELETE FROM organization_users WHERE user_id = $1 AND organization_id = $2",
		userID, orgID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove organization member: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFoundf("roles.RemoveOrgMember", "member %d/%d", userID, orgID)
	}

	m.invalidate(userID)
	return nil
}

// CourseStaff lists users holding a staff role in courseID
func (m *Memberships) CourseStaff(ctx context.Context, courseID int64) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT user_id FROM user_courses WHERE course_id = $1 AND role IN ($2, $3) ORDER BY user_id",
		courseID, string(auth.CourseRoleTA), string(auth.CourseRoleProfessor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list course staff: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan staff id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
