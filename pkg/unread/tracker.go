package unread

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/storage"
)

// QuestionState is one marker as seen by its owner
type QuestionState struct {
	QuestionID int64 `json:"questionId"`
	ReadLatest bool  `json:"readLatest"`
}

// Summary is the unread view of one user in one course
type Summary struct {
	CourseID    int64           `json:"courseId"`
	UnreadCount int             `json:"unreadCount"`
	Questions   []QuestionState `json:"questions"`
}

// Tracker maintains read/unread markers on async questions.
//
// Writes take the caller's transaction so that markers commit or roll back
// together with the question mutation that caused them.
type Tracker struct {
	db      storage.DBTX
	metrics *observability.Metrics
}

// NewTracker creates a tracker. metrics may be nil.
func NewTracker(db storage.DBTX, metrics *observability.Metrics) *Tracker {
	return &Tracker{db: db, metrics: metrics}
}

const upsertMarker = `
	INSERT INTO unread_async_questions (course_id, user_id, async_question_id, read_latest)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (course_id, user_id, async_question_id)
	DO UPDATE SET read_latest = EXCLUDED.read_latest`

// Watchers returns the current course members watching questionID: its
// author, its commenters and everyone who already holds a marker.
func (t *Tracker) Watchers(ctx context.Context, q storage.DBTX, courseID, questionID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT w.user_id
		FROM (
			SELECT creator_id AS user_id FROM async_questions WHERE id = $1
			UNION
			SELECT creator_id AS user_id FROM async_question_comments WHERE question_id = $1
			UNION
			SELECT user_id FROM unread_async_questions WHERE async_question_id = $1
		) w
		JOIN user_courses uc ON uc.user_id = w.user_id AND uc.course_id = $2
		ORDER BY w.user_id`,
		questionID, courseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load watchers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan watcher: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate watchers: %w", err)
	}
	return ids, nil
}

// MarkWatchersUnread resets the marker of every watcher except actorID to
// unread and returns the users whose marker was written
func (t *Tracker) MarkWatchersUnread(ctx context.Context, tx *sql.Tx, courseID, questionID, actorID int64) ([]int64, error) {
	watchers, err := t.Watchers(ctx, tx, courseID, questionID)
	if err != nil {
		return nil, err
	}

	touched := make([]int64, 0, len(watchers))
	for _, userID := range watchers {
		if userID == actorID {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertMarker, courseID, userID, questionID, false); err != nil {
			return nil, fmt.Errorf("failed to mark question unread: %w", err)
		}
		touched = append(touched, userID)
	}

	t.metrics.UnreadMarkers(false, len(touched))
	return touched, nil
}

// MarkRead records that userID has seen the current state of questionID.
// Users who are not watchers and not course staff get no marker; the
// result reports whether one was written.
func (t *Tracker) MarkRead(ctx context.Context, tx *sql.Tx, courseID, questionID, userID int64) (bool, error) {
	var eligible bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM async_questions WHERE id = $1 AND creator_id = $2)
			OR EXISTS (SELECT 1 FROM async_question_comments WHERE question_id = $1 AND creator_id = $2)
			OR EXISTS (SELECT 1 FROM unread_async_questions WHERE async_question_id = $1 AND user_id = $2)
			OR EXISTS (SELECT 1 FROM user_courses WHERE course_id = $3 AND user_id = $2 AND role IN ($4, $5))`,
		questionID, userID, courseID, string(auth.CourseRoleTA), string(auth.CourseRoleProfessor),
	).Scan(&eligible)
	if err != nil {
		return false, fmt.Errorf("failed to check watcher: %w", err)
	}
	if !eligible {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, upsertMarker, courseID, userID, questionID, true); err != nil {
		return false, fmt.Errorf("failed to mark question read: %w", err)
	}
	t.metrics.UnreadMarkers(true, 1)
	return true, nil
}

// Count returns how many questions userID has not read the latest state of
func (t *Tracker) Count(ctx context.Context, userID, courseID int64) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM unread_async_questions
		WHERE user_id = $1 AND course_id = $2 AND read_latest = $3`,
		userID, courseID, false,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread questions: %w", err)
	}
	return n, nil
}

// ListForUser returns every marker userID holds in the course
func (t *Tracker) ListForUser(ctx context.Context, userID, courseID int64) ([]QuestionState, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT async_question_id, read_latest FROM unread_async_questions
		WHERE user_id = $1 AND course_id = $2
		ORDER BY async_question_id`,
		userID, courseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unread questions: %w", err)
	}
	defer rows.Close()

	states := []QuestionState{}
	for rows.Next() {
		var s QuestionState
		if err := rows.Scan(&s.QuestionID, &s.ReadLatest); err != nil {
			return nil, fmt.Errorf("failed to scan unread question: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unread questions: %w", err)
	}
	return states, nil
}

// Summarize combines Count and ListForUser
func (t *Tracker) Summarize(ctx context.Context, userID, courseID int64) (*Summary, error) {
	states, err := t.ListForUser(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	s := &Summary{CourseID: courseID, Questions: states}
	for _, q := range states {
		if !q.ReadLatest {
			s.UnreadCount++
		}
	}
	return s, nil
}

// ClearEnrollment deletes the user's markers in the course. It has the
// shape of roles.UnenrollHook.
func (t *Tracker) ClearEnrollment(ctx context.Context, tx *sql.Tx, userID, courseID int64) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM unread_async_questions WHERE user_id = $1 AND course_id = $2",
		userID, courseID,
	); err != nil {
		return fmt.Errorf("failed to clear unread markers: %w", err)
	}
	return nil
}
