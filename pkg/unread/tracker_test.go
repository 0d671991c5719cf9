package unread_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpme/helpme/pkg/storage"
	"github.com/helpme/helpme/pkg/storage/storagetest"
	"github.com/helpme/helpme/pkg/unread"
)

type fixture struct {
	db        *storage.DB
	tracker   *unread.Tracker
	course    int64
	author    int64
	commenter int64
	staff     int64
	bystander int64
	question  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.NewDB(t)
	f := &fixture{
		db:        db,
		tracker:   unread.NewTracker(db, nil),
		course:    storagetest.CreateCourse(t, db, 0, "CS 1"),
		author:    storagetest.CreateUser(t, db, "author@x.edu"),
		commenter: storagetest.CreateUser(t, db, "commenter@x.edu"),
		staff:     storagetest.CreateUser(t, db, "staff@x.edu"),
		bystander: storagetest.CreateUser(t, db, "bystander@x.edu"),
	}
	storagetest.Enroll(t, db, f.author, f.course, "student")
	storagetest.Enroll(t, db, f.commenter, f.course, "student")
	storagetest.Enroll(t, db, f.staff, f.course, "ta")
	storagetest.Enroll(t, db, f.bystander, f.course, "student")

	f.question = storagetest.CreateQuestion(t, db, f.course, f.author)
	storagetest.AddComment(t, db, f.question, f.commenter)
	return f
}

func (f *fixture) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	require.NoError(t, f.db.WithTx(context.Background(), fn))
}

func (f *fixture) states(t *testing.T, userID int64) []unread.QuestionState {
	t.Helper()
	states, err := f.tracker.ListForUser(context.Background(), userID, f.course)
	require.NoError(t, err)
	return states
}

func TestTracker_StaffCommentMarksOnlyWatchers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	storagetest.AddComment(t, f.db, f.question, f.staff)
	var touched []int64
	f.inTx(t, func(tx *sql.Tx) error {
		var err error
		touched, err = f.tracker.MarkWatchersUnread(ctx, tx, f.course, f.question, f.staff)
		return err
	})

	assert.ElementsMatch(t, []int64{f.author, f.commenter}, touched)
	assert.Equal(t, []unread.QuestionState{{QuestionID: f.question, ReadLatest: false}}, f.states(t, f.author))
	assert.Equal(t, []unread.QuestionState{{QuestionID: f.question, ReadLatest: false}}, f.states(t, f.commenter))
	assert.Empty(t, f.states(t, f.staff))
	assert.Empty(t, f.states(t, f.bystander))
}

func TestTracker_RepeatedChangesKeepOneRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.inTx(t, func(tx *sql.Tx) error {
			_, err := f.tracker.MarkWatchersUnread(ctx, tx, f.course, f.question, f.commenter)
			return err
		})
	}

	var n int
	require.NoError(t, f.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM unread_async_questions WHERE user_id = $1", f.author).Scan(&n))
	assert.Equal(t, 1, n)

	count, err := f.tracker.Count(ctx, f.author, f.course)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTracker_ViewThenChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.inTx(t, func(tx *sql.Tx) error {
		_, err := f.tracker.MarkWatchersUnread(ctx, tx, f.course, f.question, f.commenter)
		return err
	})

	f.inTx(t, func(tx *sql.Tx) error {
		ok, err := f.tracker.MarkRead(ctx, tx, f.course, f.question, f.author)
		assert.True(t, ok)
		return err
	})
	count, err := f.tracker.Count(ctx, f.author, f.course)
	require.NoError(t, err)
	assert.Zero(t, count)

	// a staff viewer becomes a watcher
	f.inTx(t, func(tx *sql.Tx) error {
		ok, err := f.tracker.MarkRead(ctx, tx, f.course, f.question, f.staff)
		assert.True(t, ok)
		return err
	})

	f.inTx(t, func(tx *sql.Tx) error {
		_, err := f.tracker.MarkWatchersUnread(ctx, tx, f.course, f.question, f.author)
		return err
	})

	assert.Equal(t, []unread.QuestionState{{QuestionID: f.question, ReadLatest: true}}, f.states(t, f.author))
	assert.Equal(t, []unread.QuestionState{{QuestionID: f.question, ReadLatest: false}}, f.states(t, f.staff))

	summary, err := f.tracker.Summarize(ctx, f.staff, f.course)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UnreadCount)
	assert.Equal(t, f.course, summary.CourseID)
}

func TestTracker_MarkReadSkipsNonWatchers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.inTx(t, func(tx *sql.Tx) error {
		ok, err := f.tracker.MarkRead(ctx, tx, f.course, f.question, f.bystander)
		assert.False(t, ok)
		return err
	})
	assert.Empty(t, f.states(t, f.bystander))
}

func TestTracker_FormerMembersAreNotWatchers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.db.ExecContext(ctx, "DELETE FROM user_courses WHERE user_id = $1", f.commenter)
	require.NoError(t, err)

	var touched []int64
	f.inTx(t, func(tx *sql.Tx) error {
		touched, err = f.tracker.MarkWatchersUnread(ctx, tx, f.course, f.question, f.staff)
		return err
	})
	assert.Equal(t, []int64{f.author}, touched)
}

func TestTracker_ClearEnrollment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.inTx(t, func(tx *sql.Tx) error {
		_, err := f.tracker.MarkWatchersUnread(ctx, tx, f.course, f.question, f.staff)
		return err
	})
	f.inTx(t, func(tx *sql.Tx) error {
		return f.tracker.ClearEnrollment(ctx, tx, f.author, f.course)
	})

	assert.Empty(t, f.states(t, f.author))
	assert.Len(t, f.states(t, f.commenter), 1)
}

func TestTracker_MarkersDeletedWithQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.inTx(t, func(tx *sql.Tx) error {
		_, err := f.tracker.MarkWatchersUnread(ctx, tx, f.course, f.question, f.staff)
		return err
	})
	_, err := f.db.ExecContext(ctx, "DELETE FROM async_questions WHERE id = $1", f.question)
	require.NoError(t, err)

	assert.Empty(t, f.states(t, f.author))
}

func TestTracker_UpsertFailureRollsBack(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT w.user_id").
		WithArgs(int64(5), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(10)).AddRow(int64(11)))
	mock.ExpectExec("INSERT INTO unread_async_questions").
		WithArgs(int64(1), int64(10), int64(5), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO unread_async_questions").
		WithArgs(int64(1), int64(11), int64(5), false).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	db := storage.Wrap(sqlDB, storage.DialectPostgres)
	tracker := unread.NewTracker(db, nil)

	err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tracker.MarkWatchersUnread(context.Background(), tx, 1, 5, 99)
		return err
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
