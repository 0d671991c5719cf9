package notify

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/observability"
)

// ErrOutboxClosed is returned when enqueueing after Close
var ErrOutboxClosed = errors.New("notification outbox closed")

// Outbox results
const (
	OutboxPublished = "published"
	OutboxFailed    = "failed"
	OutboxDropped   = "dropped"
)

// OutboxConfig bounds the outbox
type OutboxConfig struct {
	// MaxPending caps the queued events of one course. Events past the cap
	// are dropped; clients recover them from the next snapshot.
	MaxPending int
	// PublishTimeout bounds each broker publish
	PublishTimeout time.Duration
}

// DefaultOutboxConfig returns the defaults used by the server
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{MaxPending: 1024, PublishTimeout: 10 * time.Second}
}

// Outbox publishes committed notifications without blocking the caller while
// keeping the order in which they were enqueued for each course. Callers
// enqueue after their transaction commits, so a course's events reach the
// broker in commit order. One goroutine drains each course with pending
// events and exits when the queue empties.
type Outbox struct {
	broker  Broker
	config  OutboxConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	queues   map[int64][]Event
	draining map[int64]bool
	closed   bool
	wg       sync.WaitGroup
}

// NewOutbox creates an outbox in front of broker. metrics may be nil.
func NewOutbox(broker Broker, config OutboxConfig, logger *observability.Logger, metrics *observability.Metrics) *Outbox {
	defaults := DefaultOutboxConfig()
	if config.MaxPending <= 0 {
		config.MaxPending = defaults.MaxPending
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	return &Outbox{
		broker:   broker,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		queues:   make(map[int64][]Event),
		draining: make(map[int64]bool),
	}
}

// PublishAlert enqueues a newly created alert
func (o *Outbox) PublishAlert(_ context.Context, alert *alerts.Alert) error {
	return o.Enqueue(Event{Kind: EventAlert, CourseID: alert.CourseID, Alert: alert})
}

// PublishUnread enqueues an unread change for userIDs
func (o *Outbox) PublishUnread(_ context.Context, courseID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	return o.Enqueue(Event{Kind: EventUnread, CourseID: courseID, UserIDs: userIDs})
}

// Enqueue appends events to their course queues. Events of one call stay
// contiguous within each course.
func (o *Outbox) Enqueue(events ...Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}
	for _, event := range events {
		queue := o.queues[event.CourseID]
		if len(queue) >= o.config.MaxPending {
			o.metrics.OutboxEvent(OutboxDropped)
			o.logger.WithFields(map[string]interface{}{
				"course_id": event.CourseID,
				"kind":      event.Kind,
			}).Warn("notification outbox full, dropping event")
			continue
		}
		o.queues[event.CourseID] = append(queue, event)

		if !o.draining[event.CourseID] {
			o.draining[event.CourseID] = true
			o.wg.Add(1)
			go o.drain(event.CourseID)
		}
	}
	return nil
}

// Pending returns how many events wait for a course
func (o *Outbox) Pending(courseID int64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[courseID])
}

// next pops the head of the course queue, or ends the drain when empty
func (o *Outbox) next(courseID int64) (Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.queues[courseID]
	if len(queue) == 0 {
		delete(o.queues, courseID)
		delete(o.draining, courseID)
		return Event{}, false
	}
	event := queue[0]
	queue[0] = Event{}
	o.queues[courseID] = queue[1:]
	return event, true
}

func (o *Outbox) drain(courseID int64) {
	defer o.wg.Done()
	for {
		event, ok := o.next(courseID)
		if !ok {
			return
		}
		o.publish(event)
	}
}

func (o *Outbox) publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.PublishTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.metrics.OutboxEvent(OutboxFailed)
			o.logger.WithField("course_id", event.CourseID).
				WithField("panic", r).
				WithField("stack", string(debug.Stack())).
				Error("PANIC recovered while publishing notification")
		}
	}()

	if err := o.broker.Publish(ctx, event); err != nil {
		o.metrics.OutboxEvent(OutboxFailed)
		o.logger.WithError(err).WithFields(map[string]interface{}{
			"course_id": event.CourseID,
			"kind":      event.Kind,
		}).Warn("failed to publish notification")
		return
	}
	o.metrics.OutboxEvent(OutboxPublished)
}

// Close stops accepting events and waits for queued ones to be published or
// for ctx to end
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
