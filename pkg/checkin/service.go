package checkin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/storage"
)

// MaxSessionLength bounds how far ahead a check-in may be scheduled to end
const MaxSessionLength = 12 * time.Hour

// Session is one staff check-in
type Session struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"userId"`
	CourseID      int64      `json:"courseId"`
	CheckedInAt   time.Time  `json:"checkedInAt"`
	ExpectedEndAt time.Time  `json:"expectedEndAt"`
	CheckedOutAt  *time.Time `json:"checkedOutAt"`
}

const sessionColumns = `id, user_id, course_id, checked_in_at, expected_end_at, checked_out_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s   Session
		out sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.CourseID, &s.CheckedInAt, &s.ExpectedEndAt, &out); err != nil {
		return nil, err
	}
	s.CheckedInAt = s.CheckedInAt.UTC()
	s.ExpectedEndAt = s.ExpectedEndAt.UTC()
	if out.Valid {
		t := out.Time.UTC()
		s.CheckedOutAt = &t
	}
	return &s, nil
}

// Service manages staff check-in sessions
type Service struct {
	db     *storage.DB
	alerts *alerts.Store
	logger *observability.Logger
	now    func() time.Time
}

// NewService creates the check-in service
func NewService(db *storage.DB, alertStore *alerts.Store, logger *observability.Logger) *Service {
	return &Service{db: db, alerts: alertStore, logger: logger, now: time.Now}
}

// WithClock returns a copy of s that reads the time from now
func (s *Service) WithClock(now func() time.Time) *Service {
	c := *s
	c.now = now
	c.alerts = s.alerts.WithClock(now)
	return &c
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Service) open(ctx context.Context, q storage.DBTX, userID, courseID int64, lock bool) (*Session, error) {
	lockClause := ""
	if lock {
		lockClause = s.db.Dialect.LockClause()
	}
	row := q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM staff_checkins
		WHERE user_id = $1 AND course_id = $2 AND checked_out_at IS NULL
		ORDER BY checked_in_at DESC, id DESC
		LIMIT 1`+lockClause,
		userID, courseID,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open check-in: %w", err)
	}
	return session, nil
}

// Start checks a staff member in until expectedEnd. A user holds at most
// one open session per course.
func (s *Service) Start(ctx context.Context, userID, courseID int64, expectedEnd time.Time) (*Session, error) {
	now := s.timestamp()
	expectedEnd = expectedEnd.UTC()
	if !expectedEnd.After(now) {
		return nil, apperr.Invalid("checkin.Start", "expected end must be in the future")
	}
	if expectedEnd.Sub(now) > MaxSessionLength {
		return nil, apperr.Invalid("checkin.Start", "expected end is too far ahead")
	}

	session := &Session{UserID: userID, CourseID: courseID, CheckedInAt: now, ExpectedEndAt: expectedEnd}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.open(ctx, tx, userID, courseID, true)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Conflictf("checkin.Start", "already checked in")
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO staff_checkins (user_id, course_id, checked_in_at, expected_end_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			userID, courseID, now, expectedEnd,
		).Scan(&session.ID)
		if err != nil {
			return fmt.Errorf("failed to insert check-in: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id":    userID,
		"course_id":  courseID,
		"checkin_id": session.ID,
	}).Info("staff checked in")
	return session, nil
}

// Checkout closes the open session and marks any check-out prompt read
func (s *Service) Checkout(ctx context.Context, userID, courseID int64) (*Session, error) {
	var session *Session
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		session, err = s.open(ctx, tx, userID, courseID, true)
		if err != nil {
			return err
		}
		if session == nil {
			return apperr.NotFoundf("checkin.Checkout", "no open check-in for user %d in course %d", userID, courseID)
		}

		now := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`UPDATE staff_checkins SET checked_out_at = $1 WHERE id = $2`, now, session.ID,
		); err != nil {
			return fmt.Errorf("failed to check out: %w", err)
		}
		session.CheckedOutAt = &now

		if _, err := s.alerts.WithTx(tx).MarkReadOfType(ctx, userID, courseID, alerts.TypeEventEndedCheckoutStaff); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Current returns the open session, or nil when the user is checked out
func (s *Service) Current(ctx context.Context, userID, courseID int64) (*Session, error) {
	return s.open(ctx, s.db, userID, courseID, false)
}

// ClearEnrollment closes any open session of a user leaving a course. It
// has the shape of roles.UnenrollHook.
func (s *Service) ClearEnrollment(ctx context.Context, tx *sql.Tx, userID, courseID int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE staff_checkins SET checked_out_at = $1
		WHERE user_id = $2 AND course_id = $3 AND checked_out_at IS NULL`,
		s.timestamp(), userID, courseID,
	); err != nil {
		return fmt.Errorf("failed to close check-ins: %w", err)
	}
	return nil
}
