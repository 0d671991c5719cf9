package notify

import (
	"context"

	"github.com/helpme/helpme/pkg/alerts"
)

// Dispatcher publishes domain notifications to the broker
type Dispatcher struct {
	broker Broker
}

// NewDispatcher creates a dispatcher on broker
func NewDispatcher(broker Broker) *Dispatcher {
	return &Dispatcher{broker: broker}
}

// PublishAlert announces a newly created alert
func (d *Dispatcher) PublishAlert(ctx context.Context, alert *alerts.Alert) error {
	return d.broker.Publish(ctx, Event{Kind: EventAlert, CourseID: alert.CourseID, Alert: alert})
}

// PublishUnread announces that the unread counts of userIDs in the course
// may have changed
func (d *Dispatcher) PublishUnread(ctx context.Context, courseID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	return d.broker.Publish(ctx, Event{Kind: EventUnread, CourseID: courseID, UserIDs: userIDs})
}
