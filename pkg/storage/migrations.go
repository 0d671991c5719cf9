package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema migrations rendered for the dialect.
// Every table that hangs off a user or a course deletes with its parent.
func Migrations(d Dialect) []Migration {
	r := strings.NewReplacer(
		"{{serial}}", d.SerialPrimaryKey(),
		"{{json}}", d.JSONType(),
	)

	raw := []Migration{
		{
			Version:     1,
			Description: "Create users and organizations",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id {{serial}},
					email VARCHAR(255) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS organizations (
					id {{serial}},
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS organization_users (
					id {{serial}},
					user_id BIGINT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					role VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_organization_users_org ON organization_users(organization_id);
			`,
		},
		{
			Version:     2,
			Description: "Create courses and course memberships",
			SQL: `
				CREATE TABLE IF NOT EXISTS courses (
					id {{serial}},
					organization_id BIGINT REFERENCES organizations(id) ON DELETE SET NULL,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS user_courses (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
					role VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (user_id, course_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_courses_course ON user_courses(course_id);
			`,
		},
		{
			Version:     3,
			Description: "Create api_tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS api_tokens (
					id {{serial}},
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					token_hash VARCHAR(128) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					expires_at TIMESTAMP,
					last_used_at TIMESTAMP,
					revoked_at TIMESTAMP
				);
			`,
		},
		{
			Version:     4,
			Description: "Create alerts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS alerts (
					id {{serial}},
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
					alert_type VARCHAR(64) NOT NULL,
					delivery_mode VARCHAR(16) NOT NULL,
					payload {{json}},
					created_at TIMESTAMP NOT NULL,
					read_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_alerts_user_course ON alerts(user_id, course_id, read_at);
			`,
		},
		{
			Version:     5,
			Description: "Create async questions and unread markers",
			SQL: `
				CREATE TABLE IF NOT EXISTS async_questions (
					id {{serial}},
					course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
					creator_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					question_abstract VARCHAR(255) NOT NULL,
					question_text TEXT NOT NULL DEFAULT '',
					answer_text TEXT NOT NULL DEFAULT '',
					status VARCHAR(32) NOT NULL,
					visible BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_async_questions_course ON async_questions(course_id);

				CREATE TABLE IF NOT EXISTS async_question_comments (
					id {{serial}},
					question_id BIGINT NOT NULL REFERENCES async_questions(id) ON DELETE CASCADE,
					creator_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					comment_text TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_async_question_comments_question ON async_question_comments(question_id);

				CREATE TABLE IF NOT EXISTS unread_async_questions (
					course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					async_question_id BIGINT NOT NULL REFERENCES async_questions(id) ON DELETE CASCADE,
					read_latest BOOLEAN NOT NULL,
					PRIMARY KEY (course_id, user_id, async_question_id)
				);

				CREATE INDEX IF NOT EXISTS idx_unread_async_questions_question ON unread_async_questions(async_question_id);
			`,
		},
		{
			Version:     6,
			Description: "Create staff_checkins table",
			SQL: `
				CREATE TABLE IF NOT EXISTS staff_checkins (
					id {{serial}},
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
					checked_in_at TIMESTAMP NOT NULL,
					expected_end_at TIMESTAMP NOT NULL,
					checked_out_at TIMESTAMP,
					prompted_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_staff_checkins_open ON staff_checkins(checked_out_at, expected_end_at);
			`,
		},
		{
			Version:     7,
			Description: "Allow one unread deduplicated alert per type",
			SQL: `
				ALTER TABLE alerts ADD COLUMN deduplicated BOOLEAN NOT NULL DEFAULT FALSE;

				UPDATE alerts SET deduplicated = TRUE
				WHERE id IN (
					SELECT MIN(id) FROM alerts
					WHERE alert_type = 'eventEndedCheckoutStaff' AND read_at IS NULL
					GROUP BY user_id, course_id
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_unread_dedup
					ON alerts(user_id, course_id, alert_type)
					WHERE read_at IS NULL AND deduplicated;
			`,
		},
	}

	migrations := make([]Migration, len(raw))
	for i, m := range raw {
		m.SQL = r.Replace(m.SQL)
		migrations[i] = m
	}
	return migrations
}

// Migrate applies all pending migrations, each in its own transaction
func Migrate(ctx context.Context, db *DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range Migrations(db.Dialect) {
		if applied[migration.Version] {
			continue
		}

		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
				migration.Version, migration.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
