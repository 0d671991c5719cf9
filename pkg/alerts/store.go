package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/storage"
)

// Mark-read outcomes
const (
	OutcomeMarked      = "marked"
	OutcomeAlreadyRead = "already_read"
	OutcomeIgnored     = "ignored"
)

const alertColumns = "id, user_id, course_id, alert_type, delivery_mode, payload, created_at, read_at"

// Store persists alerts
type Store struct {
	db      *storage.DB
	tx      *sql.Tx
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewStore creates an alert store. metrics may be nil.
func NewStore(db *storage.DB, logger *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		db:      db,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// WithClock returns a copy of s that reads the time from now
func (s *Store) WithClock(now func() time.Time) *Store {
	c := *s
	c.now = now
	return &c
}

// WithTx returns a copy of s whose operations run inside tx
func (s *Store) WithTx(tx *sql.Tx) *Store {
	c := *s
	c.tx = tx
	return &c
}

func (s *Store) q() storage.DBTX {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// inTx runs fn in the bound transaction or a new one
func (s *Store) inTx(ctx context.Context, fn func(q storage.DBTX) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(tx)
	})
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// Create inserts a new unread alert. Duplicate events produce duplicate
// alerts; see CreateIfAbsent.
func (s *Store) Create(ctx context.Context, in NewAlert) (*Alert, error) {
	alert, _, err := s.insert(ctx, s.q(), in, false)
	return alert, err
}

// insert writes the alert. A deduplicated insert that collides with an
// unread deduplicated alert of the same type writes nothing and reports
// false.
func (s *Store) insert(ctx context.Context, q storage.DBTX, in NewAlert, dedup bool) (*Alert, bool, error) {
	if !in.Type.Valid() {
		return nil, false, apperr.Invalid("alerts.Create", "unknown alert type")
	}
	if !in.DeliveryMode.Valid() {
		return nil, false, apperr.Invalid("alerts.Create", "unknown delivery mode")
	}

	payload, err := encodePayload(in.Payload)
	if err != nil {
		return nil, false, err
	}

	alert := &Alert{
		UserID:       in.UserID,
		CourseID:     in.CourseID,
		Type:         in.Type,
		DeliveryMode: in.DeliveryMode,
		Payload:      payload,
		CreatedAt:    s.timestamp(),
	}

	var payloadArg interface{}
	if payload != nil {
		payloadArg = string(payload)
	}

	query := `
		INSERT INTO alerts (user_id, course_id, alert_type, delivery_mode, payload, created_at, deduplicated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if dedup {
		query += `
		ON CONFLICT (user_id, course_id, alert_type) WHERE read_at IS NULL AND deduplicated DO NOTHING`
	}
	query += `
		RETURNING id`

	err = q.QueryRowContext(ctx, query,
		alert.UserID, alert.CourseID, string(alert.Type), string(alert.DeliveryMode), payloadArg, alert.CreatedAt, dedup,
	).Scan(&alert.ID)
	if dedup && errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create alert: %w", err)
	}

	s.metrics.AlertCreated(string(alert.Type), string(alert.DeliveryMode))
	return alert, true, nil
}

func encodePayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, apperr.Invalid("alerts.Create", "payload is not valid JSON")
		}
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode alert payload: %w", err)
		}
		return data, nil
	}
}

// CreateIfAbsent creates the alert unless the user already has an unread
// alert of the same type for the course. It returns the existing or new
// alert and whether it was created.
//
// Concurrent callers are settled by a partial unique index over unread
// deduplicated alerts: the losing insert does nothing and reads the
// winner's row.
func (s *Store) CreateIfAbsent(ctx context.Context, in NewAlert) (*Alert, bool, error) {
	var (
		alert   *Alert
		created bool
	)

	err := s.inTx(ctx, func(q storage.DBTX) error {
		for attempt := 0; attempt < maxDedupAttempts; attempt++ {
			var err error
			alert, err = s.firstUnreadOfType(ctx, q, in.UserID, in.CourseID, in.Type)
			if err != nil || alert != nil {
				return err
			}
			alert, created, err = s.insert(ctx, q, in, true)
			if err != nil || created {
				return err
			}
			// lost the race; the winner's row is read on the next pass
			// unless it was marked read in between
		}
		return fmt.Errorf("failed to create alert: unread %s alert kept changing", in.Type)
	})
	if err != nil {
		return nil, false, err
	}
	return alert, created, nil
}

const maxDedupAttempts = 3

func (s *Store) firstUnreadOfType(ctx context.Context, q storage.DBTX, userID, courseID int64, alertType Type) (*Alert, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE user_id = $1 AND course_id = $2 AND alert_type = $3 AND read_at IS NULL
		ORDER BY id
		LIMIT 1`,
		userID, courseID, string(alertType),
	)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up unread alert: %w", err)
	}
	return alert, nil
}

// HasUnreadOfType reports whether the user has an unread alert of alertType
// in the course
func (s *Store) HasUnreadOfType(ctx context.Context, userID, courseID int64, alertType Type) (bool, error) {
	var found int64
	err := s.q().QueryRowContext(ctx, `
		SELECT id FROM alerts
		WHERE user_id = $1 AND course_id = $2 AND alert_type = $3 AND read_at IS NULL
		LIMIT 1`,
		userID, courseID, string(alertType),
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check unread alerts: %w", err)
	}
	return true, nil
}

// List returns the user's alerts for the course: unread first, newest first
// within each group
func (s *Store) List(ctx context.Context, userID, courseID int64) ([]Alert, error) {
	return s.list(ctx, userID, courseID, false)
}

// ListUnread returns only the unread alerts, newest first
func (s *Store) ListUnread(ctx context.Context, userID, courseID int64) ([]Alert, error) {
	return s.list(ctx, userID, courseID, true)
}

func (s *Store) list(ctx context.Context, userID, courseID int64, unreadOnly bool) ([]Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE user_id = $1 AND course_id = $2`
	if unreadOnly {
		query += " AND read_at IS NULL"
	}
	query += `
		ORDER BY CASE WHEN read_at IS NULL THEN 0 ELSE 1 END, created_at DESC, id DESC`

	rows, err := s.q().QueryContext(ctx, query, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}

// MarkRead sets read_at on an alert owned by userID in courseID. It returns
// false, with no error, when the alert does not exist, lives in another
// course or belongs to someone else, so callers cannot probe for other
// users' alerts. Marking an already read alert keeps the first read time.
func (s *Store) MarkRead(ctx context.Context, alertID, userID, courseID int64) (bool, error) {
	outcome := OutcomeIgnored

	err := s.inTx(ctx, func(q storage.DBTX) error {
		var (
			owner  int64
			readAt sql.NullTime
		)
		err := q.QueryRowContext(ctx,
			"SELECT user_id, read_at FROM alerts WHERE id = $1 AND course_id = $2"+s.db.Dialect.LockClause(),
			alertID, courseID,
		).Scan(&owner, &readAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load alert: %w", err)
		}

		if owner != userID {
			s.logger.WithFields(map[string]interface{}{
				"alert_id":  alertID,
				"user_id":   userID,
				"course_id": courseID,
			}).Debug("ignored mark-read of alert owned by another user")
			return nil
		}
		if readAt.Valid {
			outcome = OutcomeAlreadyRead
			return nil
		}

		if _, err := q.ExecContext(ctx,
			"UPDATE alerts SET read_at = $1 WHERE id = $2 AND read_at IS NULL",
			s.timestamp(), alertID,
		); err != nil {
			return fmt.Errorf("failed to mark alert read: %w", err)
		}
		outcome = OutcomeMarked
		return nil
	})
	if err != nil {
		return false, err
	}

	s.metrics.AlertRead(outcome)
	return outcome != OutcomeIgnored, nil
}

// MarkReadOfType marks every unread alert of alertType for the user in the
// course as read and returns how many changed
func (s *Store) MarkReadOfType(ctx context.Context, userID, courseID int64, alertType Type) (int64, error) {
	result, err := s.q().ExecContext(ctx, `
		UPDATE alerts SET read_at = $1
		WHERE user_id = $2 AND course_id = $3 AND alert_type = $4 AND read_at IS NULL`,
		s.timestamp(), userID, courseID, string(alertType),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark alerts read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// ClearEnrollment deletes every alert of the user in the course. It has the
// shape of roles.UnenrollHook.
func (s *Store) ClearEnrollment(ctx context.Context, tx *sql.Tx, userID, courseID int64) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM alerts WHERE user_id = $1 AND course_id = $2",
		userID, courseID,
	); err != nil {
		return fmt.Errorf("failed to clear alerts: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner) (*Alert, error) {
	var (
		alert     Alert
		alertType string
		mode      string
		payload   sql.NullString
		readAt    sql.NullTime
	)
	if err := row.Scan(&alert.ID, &alert.UserID, &alert.CourseID, &alertType, &mode,
		&payload, &alert.CreatedAt, &readAt); err != nil {
		return nil, err
	}

	alert.Type = Type(alertType)
	alert.DeliveryMode = DeliveryMode(mode)
	if payload.Valid && payload.String != "" {
		alert.Payload = json.RawMessage(payload.String)
	}
	if readAt.Valid {
		t := readAt.Time
		alert.ReadAt = &t
	}
	return &alert, nil
}
