// Package storagetest provides a migrated in-memory database and seed helpers
// for package tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helpme/helpme/pkg/storage"
)

// NewDB opens a migrated SQLite :memory: database closed at test cleanup
func NewDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite3"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.Migrate(context.Background(), db))
	return db
}

// CreateUser inserts a user and returns its id
func CreateUser(t *testing.T, db *storage.DB, email string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(),
		"INSERT INTO users (email, name) VALUES ($1, $2) RETURNING id", email, email,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// CreateOrganization inserts an organization and returns its id
func CreateOrganization(t *testing.T, db *storage.DB, name string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(),
		"INSERT INTO organizations (name) VALUES ($1) RETURNING id", name,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// CreateCourse inserts a course, optionally attached to an organization
func CreateCourse(t *testing.T, db *storage.DB, orgID int64, name string) int64 {
	t.Helper()
	var org interface{}
	if orgID != 0 {
		org = orgID
	}
	var id int64
	err := db.QueryRowContext(context.Background(),
		"INSERT INTO courses (organization_id, name) VALUES ($1, $2) RETURNING id", org, name,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// AddOrgMember adds a user to an organization with the given role
func AddOrgMember(t *testing.T, db *storage.DB, userID, orgID int64, role string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO organization_users (user_id, organization_id, role) VALUES ($1, $2, $3)",
		userID, orgID, role,
	)
	require.NoError(t, err)
}

// Enroll adds a course membership with the given role
func Enroll(t *testing.T, db *storage.DB, userID, courseID int64, role string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO user_courses (user_id, course_id, role) VALUES ($1, $2, $3)",
		userID, courseID, role,
	)
	require.NoError(t, err)
}

// CreateQuestion inserts an async question authored by creatorID
func CreateQuestion(t *testing.T, db *storage.DB, courseID, creatorID int64) int64 {
	t.Helper()
	now := time.Now().UTC()
	var id int64
	err := db.QueryRowContext(context.Background(), `
		INSERT INTO async_questions (course_id, creator_id, question_abstract, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`,
		courseID, creatorID, "question", "AIAnswered", now,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// AddComment inserts a comment on a question
func AddComment(t *testing.T, db *storage.DB, questionID, creatorID int64) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(), `
		INSERT INTO async_question_comments (question_id, creator_id, comment_text, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		questionID, creatorID, "comment", time.Now().UTC(),
	).Scan(&id)
	require.NoError(t, err)
	return id
}
