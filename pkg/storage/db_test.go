package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	tests := []struct {
		driver  string
		want    Dialect
		wantErr bool
	}{
		{"postgres", DialectPostgres, false},
		{"postgresql", DialectPostgres, false},
		{"sqlite3", DialectSQLite, false},
		{"sqlite", DialectSQLite, false},
		{"mysql", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			got, err := ParseDialect(tt.driver)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDialect_LockClause(t *testing.T) {
	assert.Equal(t, " FOR UPDATE", DialectPostgres.LockClause())
	assert.Equal(t, "", DialectSQLite.LockClause())
}

func TestMigrate_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: "sqlite3"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db))
	// second run is a no-op
	require.NoError(t, Migrate(ctx, db))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(Migrations(DialectSQLite)), count)

	for _, table := range []string{"users", "user_courses", "alerts", "unread_async_questions", "staff_checkins"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1", table,
		).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestMigrate_CascadesFromCourse(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: "sqlite3"})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(ctx, db))

	var userID, courseID int64
	require.NoError(t, db.QueryRowContext(ctx, "INSERT INTO users (email) VALUES ('a@x') RETURNING id").Scan(&userID))
	require.NoError(t, db.QueryRowContext(ctx, "INSERT INTO courses (name) VALUES ('c') RETURNING id").Scan(&courseID))
	_, err = db.ExecContext(ctx,
		"INSERT INTO alerts (user_id, course_id, alert_type, delivery_mode, created_at) VALUES ($1, $2, 'documentProcessed', 'feed', CURRENT_TIMESTAMP)",
		userID, courseID)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, "DELETE FROM courses WHERE id = $1", courseID)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()
		db := Wrap(mockDB, DialectPostgres)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE alerts").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE alerts SET read_at = NULL")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()
		db := Wrap(mockDB, DialectPostgres)

		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err = db.WithTx(context.Background(), func(tx *sql.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()
		db := Wrap(mockDB, DialectPostgres)

		mock.ExpectBegin()
		mock.ExpectRollback()

		assert.Panics(t, func() {
			_ = db.WithTx(context.Background(), func(tx *sql.Tx) error { panic("boom") })
		})
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
