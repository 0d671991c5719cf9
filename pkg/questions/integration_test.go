//go:build integration

package questions_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/questions"
	"github.com/helpme/helpme/pkg/storage/storagetest"
	"github.com/helpme/helpme/pkg/unread"
)

func TestPostgres_ConcurrentCommentsLeaveOneMarkerPerWatcher(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewPostgresDB(t)
	logger := observability.NewNopLogger()

	tracker := unread.NewTracker(db, nil)
	svc := questions.NewService(db, alerts.NewStore(db, logger, nil), tracker, nil, logger)

	course := storagetest.CreateCourse(t, db, 0, "CS 1")
	author := questions.Actor{UserID: storagetest.CreateUser(t, db, "author@x.edu"), Role: auth.CourseRoleStudent}
	storagetest.Enroll(t, db, author.UserID, course, "student")

	const commenters = 8
	staff := make([]questions.Actor, commenters)
	for i := range staff {
		staff[i] = questions.Actor{
			UserID: storagetest.CreateUser(t, db, fmt.Sprintf("ta%d@x.edu", i)),
			Role:   auth.CourseRoleTA,
		}
		storagetest.Enroll(t, db, staff[i].UserID, course, "ta")
	}

	q, err := svc.Create(ctx, author, course, questions.NewQuestion{Abstract: "Deadlock?"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, commenters)
	for _, actor := range staff {
		wg.Add(1)
		go func(actor questions.Actor) {
			defer wg.Done()
			_, err := svc.Comment(ctx, actor, course, q.ID, "on it")
			errs <- err
		}(actor)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var rows int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM unread_async_questions WHERE async_question_id = $1 AND user_id = $2",
		q.ID, author.UserID,
	).Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	n, err := tracker.Count(ctx, author.UserID, course)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Every commenter watches now; each saw all comments up to its own, so
	// exactly the last writer has read the latest state.
	var readLatest int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM unread_async_questions WHERE async_question_id = $1 AND read_latest",
		q.ID,
	).Scan(&readLatest)
	require.NoError(t, err)
	assert.Equal(t, 1, readLatest)
}

func TestPostgres_MarkReadRacesComment(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewPostgresDB(t)
	logger := observability.NewNopLogger()

	tracker := unread.NewTracker(db, nil)
	svc := questions.NewService(db, alerts.NewStore(db, logger, nil), tracker, nil, logger)

	course := storagetest.CreateCourse(t, db, 0, "CS 1")
	author := questions.Actor{UserID: storagetest.CreateUser(t, db, "author@x.edu"), Role: auth.CourseRoleStudent}
	ta := questions.Actor{UserID: storagetest.CreateUser(t, db, "ta@x.edu"), Role: auth.CourseRoleTA}
	storagetest.Enroll(t, db, author.UserID, course, "student")
	storagetest.Enroll(t, db, ta.UserID, course, "ta")

	q, err := svc.Create(ctx, author, course, questions.NewQuestion{Abstract: "Race?"})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.Comment(ctx, ta, course, q.ID, "ping")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Get(ctx, author, course, q.ID)
			assert.NoError(t, err)
		}()
		wg.Wait()

		// The question row lock serializes the pair; the author keeps one marker.
		states, err := tracker.ListForUser(ctx, author.UserID, course)
		require.NoError(t, err)
		require.Len(t, states, 1)
	}
}
