package checkin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/async"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/storage"
)

// Publisher announces alerts created by the sweep
type Publisher interface {
	PublishAlert(ctx context.Context, alert *alerts.Alert) error
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Overdue  int `json:"overdue"`
	Prompted int `json:"prompted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// SweeperConfig tunes the sweep fan-out
type SweeperConfig struct {
	Workers     int
	TaskTimeout time.Duration
}

// Sweeper prompts staff whose check-in outlived its expected end to check
// out. Each session is prompted once; a user who already has an unread
// prompt in the course is not prompted again.
type Sweeper struct {
	db        *storage.DB
	alerts    *alerts.Store
	publisher Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics
	config    SweeperConfig
	now       func() time.Time
}

// NewSweeper creates a sweeper. publisher and metrics may be nil.
func NewSweeper(db *storage.DB, alertStore *alerts.Store, publisher Publisher, config SweeperConfig,
	logger *observability.Logger, metrics *observability.Metrics) *Sweeper {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 10 * time.Second
	}
	return &Sweeper{
		db:        db,
		alerts:    alertStore,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		config:    config,
		now:       time.Now,
	}
}

// WithClock returns a copy of s that reads the time from now
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	c := *s
	c.now = now
	c.alerts = s.alerts.WithClock(now)
	return &c
}

// overdue lists unprompted open sessions past their expected end whose
// owner is still staff in the course
func (s *Sweeper) overdue(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sc.id, sc.user_id, sc.course_id, sc.checked_in_at, sc.expected_end_at, sc.checked_out_at
		FROM staff_checkins sc
		JOIN user_courses uc ON uc.user_id = sc.user_id AND uc.course_id = sc.course_id
		WHERE sc.checked_out_at IS NULL
			AND sc.prompted_at IS NULL
			AND sc.expected_end_at < $1
			AND uc.role IN ('ta', 'professor')
		ORDER BY sc.expected_end_at, sc.id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue check-ins: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan check-in: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// Sweep prompts every overdue session. Sessions fail independently; the
// returned error is set only when the overdue list cannot be read.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	now := s.now().UTC()

	sessions, err := s.overdue(ctx, now)
	if err != nil {
		s.metrics.SweepRun("error", time.Since(start))
		return SweepResult{}, err
	}

	var (
		skipped int64
		mu      sync.Mutex
		created []*alerts.Alert
	)
	errs := async.Batch(ctx, sessions, s.config.Workers, s.config.TaskTimeout, func(ctx context.Context, session Session) error {
		alert, err := s.prompt(ctx, session)
		if err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"checkin_id": session.ID,
				"user_id":    session.UserID,
				"course_id":  session.CourseID,
			}).Error("failed to prompt check-out")
			return err
		}
		if alert == nil {
			atomic.AddInt64(&skipped, 1)
			return nil
		}
		mu.Lock()
		created = append(created, alert)
		mu.Unlock()
		return nil
	})

	s.publishAll(ctx, created)

	result := SweepResult{
		Overdue:  len(sessions),
		Prompted: len(created),
		Skipped:  int(skipped),
		Failed:   len(errs),
	}

	status := "success"
	if len(errs) > 0 {
		status = "partial"
	}
	s.metrics.SweepRun(status, time.Since(start))

	s.logger.WithFields(map[string]interface{}{
		"overdue":  result.Overdue,
		"prompted": result.Prompted,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	}).Info("check-out sweep finished")
	return result, nil
}

// publishAll announces the prompts in creation order. Workers finish in any
// order, so the alerts are sorted by id first.
func (s *Sweeper) publishAll(ctx context.Context, created []*alerts.Alert) {
	if s.publisher == nil {
		return
	}
	sort.Slice(created, func(i, j int) bool { return created[i].ID < created[j].ID })
	for _, alert := range created {
		if err := s.publisher.PublishAlert(ctx, alert); err != nil {
			// The alert is stored; clients see it in their next snapshot
			s.logger.WithError(err).WithField("alert_id", alert.ID).Warn("failed to publish check-out prompt")
		}
	}
}

// prompt claims the session and creates the alert in one transaction. It
// returns nil when the session was claimed elsewhere or the user already has
// an unread prompt.
func (s *Sweeper) prompt(ctx context.Context, session Session) (*alerts.Alert, error) {
	var created *alerts.Alert
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM staff_checkins
			WHERE id = $1 AND checked_out_at IS NULL AND prompted_at IS NULL`+s.db.Dialect.LockClause(),
			session.ID,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim check-in: %w", err)
		}

		alert, isNew, err := s.alerts.WithTx(tx).CreateIfAbsent(ctx, alerts.NewAlert{
			UserID:       session.UserID,
			CourseID:     session.CourseID,
			Type:         alerts.TypeEventEndedCheckoutStaff,
			DeliveryMode: alerts.ModeModal,
			Payload: alerts.CheckoutPayload{
				CheckinID:     session.ID,
				ExpectedEndAt: session.ExpectedEndAt,
			},
		})
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE staff_checkins SET prompted_at = $1 WHERE id = $2`, s.now().UTC(), session.ID,
		); err != nil {
			return fmt.Errorf("failed to record prompt: %w", err)
		}
		if isNew {
			created = alert
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
