package questions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/storage"
	"github.com/helpme/helpme/pkg/unread"
)

const maxAbstractLength = 255

// Publisher receives notifications after the mutation that caused them has
// committed
type Publisher interface {
	PublishAlert(ctx context.Context, alert *alerts.Alert) error
	PublishUnread(ctx context.Context, courseID int64, userIDs []int64) error
}

// Service runs async question mutations. Every mutation updates the
// question, its unread markers and any alert in one transaction.
type Service struct {
	db        *storage.DB
	alerts    *alerts.Store
	tracker   *unread.Tracker
	publisher Publisher
	logger    *observability.Logger
	now       func() time.Time
}

// NewService creates the question service. publisher may be nil.
func NewService(db *storage.DB, alertStore *alerts.Store, tracker *unread.Tracker, publisher Publisher, logger *observability.Logger) *Service {
	return &Service{
		db:        db,
		alerts:    alertStore,
		tracker:   tracker,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock returns a copy of s that reads the time from now
func (s *Service) WithClock(now func() time.Time) *Service {
	c := *s
	c.now = now
	c.alerts = s.alerts.WithClock(now)
	return &c
}

// outbox collects what a committed mutation must publish
type outbox struct {
	courseID int64
	alerts   []*alerts.Alert
	unread   []int64
}

func (o *outbox) empty() bool {
	return len(o.alerts) == 0 && len(o.unread) == 0
}

// publish hands the outbox to the publisher once the mutation has
// committed. It runs on the caller's goroutine so a course's notifications
// are handed over in commit order; the server wires a notify.Outbox, which
// only enqueues.
func (s *Service) publish(ctx context.Context, o *outbox) {
	if s.publisher == nil || o.empty() {
		return
	}
	for _, a := range o.alerts {
		if err := s.publisher.PublishAlert(ctx, a); err != nil {
			s.logger.WithError(err).WithField("alert_id", a.ID).Warn("failed to publish question alert")
		}
	}
	if len(o.unread) > 0 {
		if err := s.publisher.PublishUnread(ctx, o.courseID, o.unread); err != nil {
			s.logger.WithError(err).WithField("course_id", o.courseID).Warn("failed to publish unread update")
		}
	}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// Create posts a new question. The author starts with a read marker.
func (s *Service) Create(ctx context.Context, actor Actor, courseID int64, in NewQuestion) (*Question, error) {
	abstract := strings.TrimSpace(in.Abstract)
	if abstract == "" {
		return nil, apperr.Invalid("questions.Create", "question abstract is required")
	}
	if len(abstract) > maxAbstractLength {
		return nil, apperr.Invalid("questions.Create", "question abstract is too long")
	}

	now := s.timestamp()
	q := &Question{
		CourseID:  courseID,
		CreatorID: actor.UserID,
		Abstract:  abstract,
		Text:      in.Text,
		Status:    StatusAIAnswered,
		CreatedAt: now,
		UpdatedAt: now,
		Comments:  []Comment{},
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO async_questions (course_id, creator_id, question_abstract, question_text, status, visible, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			q.CourseID, q.CreatorID, q.Abstract, q.Text, string(q.Status), q.Visible, q.CreatedAt, q.UpdatedAt,
		).Scan(&q.ID)
		if err != nil {
			return fmt.Errorf("failed to create question: %w", err)
		}
		_, err = s.tracker.MarkRead(ctx, tx, courseID, q.ID, actor.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Get returns a question with its comments and records that the caller has
// seen its current state. Hidden questions are only shown to their author
// and course staff.
func (s *Service) Get(ctx context.Context, actor Actor, courseID, questionID int64) (*Question, error) {
	var (
		q      *Question
		marked bool
	)

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		q, err = s.lockVisible(ctx, tx, actor, courseID, questionID, "questions.Get")
		if err != nil {
			return err
		}
		if q.Comments, err = loadComments(ctx, tx, questionID); err != nil {
			return err
		}
		marked, err = s.tracker.MarkRead(ctx, tx, courseID, questionID, actor.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if marked {
		s.publish(ctx, &outbox{courseID: courseID, unread: []int64{actor.UserID}})
	}
	return q, nil
}

// Comment adds a comment and marks the question unread for every other
// watcher
func (s *Service) Comment(ctx context.Context, actor Actor, courseID, questionID int64, text string) (*Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Invalid("questions.Comment", "comment text is required")
	}

	c := &Comment{
		QuestionID: questionID,
		CreatorID:  actor.UserID,
		Text:       text,
		CreatedAt:  s.timestamp(),
	}
	out := &outbox{courseID: courseID}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lockVisible(ctx, tx, actor, courseID, questionID, "questions.Comment"); err != nil {
			return err
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO async_question_comments (question_id, creator_id, comment_text, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			c.QuestionID, c.CreatorID, c.Text, c.CreatedAt,
		).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("failed to create comment: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE async_questions SET updated_at = $1 WHERE id = $2", c.CreatedAt, questionID,
		); err != nil {
			return fmt.Errorf("failed to touch question: %w", err)
		}

		if out.unread, err = s.tracker.MarkWatchersUnread(ctx, tx, courseID, questionID, actor.UserID); err != nil {
			return err
		}
		_, err = s.tracker.MarkRead(ctx, tx, courseID, questionID, actor.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, out)
	return c, nil
}

// Update applies a partial update. Authors may edit their text and move
// the question between the author statuses; staff may change anything. A
// status or answer change by someone other than the author also alerts
// the author.
func (s *Service) Update(ctx context.Context, actor Actor, courseID, questionID int64, in Update) (*Question, error) {
	const op = "questions.Update"

	if in.empty() {
		return nil, apperr.Invalid(op, "no fields to update")
	}
	if in.Abstract != nil {
		trimmed := strings.TrimSpace(*in.Abstract)
		if trimmed == "" || len(trimmed) > maxAbstractLength {
			return nil, apperr.Invalid(op, "invalid question abstract")
		}
		in.Abstract = &trimmed
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, apperr.Invalid(op, "invalid status")
	}

	var q *Question
	out := &outbox{courseID: courseID}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		q, err = s.lockVisible(ctx, tx, actor, courseID, questionID, op)
		if err != nil {
			return err
		}
		if err := authorizeUpdate(actor, q, in); err != nil {
			return err
		}

		statusChanged := in.Status != nil && *in.Status != q.Status
		answerChanged := in.AnswerText != nil && *in.AnswerText != q.AnswerText
		applyUpdate(q, in)
		q.UpdatedAt = s.timestamp()

		if _, err := tx.ExecContext(ctx, `
			UPDATE async_questions
			SET question_abstract = $1, question_text = $2, answer_text = $3, status = $4, visible = $5, updated_at = $6
			WHERE id = $7`,
			q.Abstract, q.Text, q.AnswerText, string(q.Status), q.Visible, q.UpdatedAt, q.ID,
		); err != nil {
			return fmt.Errorf("failed to update question: %w", err)
		}

		if out.unread, err = s.tracker.MarkWatchersUnread(ctx, tx, courseID, questionID, actor.UserID); err != nil {
			return err
		}
		if _, err := s.tracker.MarkRead(ctx, tx, courseID, questionID, actor.UserID); err != nil {
			return err
		}

		if actor.UserID != q.CreatorID && (statusChanged || answerChanged) {
			a, err := s.alertAuthor(ctx, tx, q)
			if err != nil {
				return err
			}
			if a != nil {
				out.alerts = append(out.alerts, a)
			}
		}

		q.Comments, err = loadComments(ctx, tx, questionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, out)
	return q, nil
}

// Delete removes a question. Its markers go with it, so former watchers get
// an unread update.
func (s *Service) Delete(ctx context.Context, actor Actor, courseID, questionID int64) error {
	out := &outbox{courseID: courseID}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		q, err := s.lockVisible(ctx, tx, actor, courseID, questionID, "questions.Delete")
		if err != nil {
			return err
		}
		if actor.UserID != q.CreatorID && !actor.Role.IsStaff() {
			return apperr.Forbidden("questions.Delete")
		}

		watchers, err := s.tracker.Watchers(ctx, tx, courseID, questionID)
		if err != nil {
			return err
		}
		for _, id := range watchers {
			if id != actor.UserID {
				out.unread = append(out.unread, id)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM async_questions WHERE id = $1", questionID); err != nil {
			return fmt.Errorf("failed to delete question: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, out)
	return nil
}

func authorizeUpdate(actor Actor, q *Question, in Update) error {
	if actor.Role.IsStaff() {
		return nil
	}
	if actor.UserID != q.CreatorID {
		return apperr.Forbidden("questions.Update")
	}
	if in.AnswerText != nil || in.Visible != nil {
		return apperr.Forbidden("questions.Update")
	}
	if in.Status != nil && !settableByAuthor[*in.Status] {
		return apperr.Forbidden("questions.Update")
	}
	return nil
}

func applyUpdate(q *Question, in Update) {
	if in.Abstract != nil {
		q.Abstract = *in.Abstract
	}
	if in.Text != nil {
		q.Text = *in.Text
	}
	if in.AnswerText != nil {
		q.AnswerText = *in.AnswerText
	}
	if in.Status != nil {
		q.Status = *in.Status
	}
	if in.Visible != nil {
		q.Visible = *in.Visible
	}
}

// alertAuthor creates an update alert for the question's author if they are
// still enrolled
func (s *Service) alertAuthor(ctx context.Context, tx *sql.Tx, q *Question) (*alerts.Alert, error) {
	var enrolled int64
	err := tx.QueryRowContext(ctx,
		"SELECT user_id FROM user_courses WHERE user_id = $1 AND course_id = $2",
		q.CreatorID, q.CourseID,
	).Scan(&enrolled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check author enrollment: %w", err)
	}

	return s.alerts.WithTx(tx).Create(ctx, alerts.NewAlert{
		UserID:       q.CreatorID,
		CourseID:     q.CourseID,
		Type:         alerts.TypeAsyncQuestionUpdate,
		DeliveryMode: alerts.ModeFeed,
		Payload: alerts.AsyncQuestionUpdatePayload{
			QuestionID: q.ID,
			Status:     string(q.Status),
			Answered:   q.AnswerText != "",
		},
	})
}

// lockVisible loads and locks the question, hiding it from callers who may
// not see it
func (s *Service) lockVisible(ctx context.Context, tx *sql.Tx, actor Actor, courseID, questionID int64, op string) (*Question, error) {
	var (
		q      Question
		status string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, course_id, creator_id, question_abstract, question_text, answer_text, status, visible, created_at, updated_at
		FROM async_questions
		WHERE id = $1 AND course_id = $2`+s.db.Dialect.LockClause(),
		questionID, courseID,
	).Scan(&q.ID, &q.CourseID, &q.CreatorID, &q.Abstract, &q.Text, &q.AnswerText, &status, &q.Visible, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf(op, "question %d", questionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load question: %w", err)
	}
	q.Status = Status(status)

	if !q.Visible && q.CreatorID != actor.UserID && !actor.Role.IsStaff() {
		return nil, apperr.NotFoundf(op, "question %d", questionID)
	}
	return &q, nil
}

func loadComments(ctx context.Context, tx *sql.Tx, questionID int64) ([]Comment, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, question_id, creator_id, comment_text, created_at
		FROM async_question_comments
		WHERE question_id = $1
		ORDER BY created_at, id`,
		questionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load comments: %w", err)
	}
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.QuestionID, &c.CreatorID, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate comments: %w", err)
	}
	return comments, nil
}
