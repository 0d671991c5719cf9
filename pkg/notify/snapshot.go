package notify

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/unread"
)

// AlertLister is the part of the alert store snapshots read
type AlertLister interface {
	ListUnread(ctx context.Context, userID, courseID int64) ([]alerts.Alert, error)
}

// UnreadSummarizer is the part of the unread tracker snapshots read
type UnreadSummarizer interface {
	Summarize(ctx context.Context, userID, courseID int64) (*unread.Summary, error)
}

// Snapshots builds the state a subscriber starts from
type Snapshots struct {
	alerts AlertLister
	unread UnreadSummarizer
}

// NewSnapshots creates a snapshot builder
func NewSnapshots(alertStore AlertLister, tracker UnreadSummarizer) *Snapshots {
	return &Snapshots{alerts: alertStore, unread: tracker}
}

// Build loads the user's unread alerts and unread question summary for the
// course concurrently
func (s *Snapshots) Build(ctx context.Context, userID, courseID int64) (*Snapshot, error) {
	snap := &Snapshot{CourseID: courseID}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		list, err := s.alerts.ListUnread(gctx, userID, courseID)
		snap.Alerts = list
		return err
	})
	g.Go(func() error {
		summary, err := s.unread.Summarize(gctx, userID, courseID)
		if summary != nil {
			snap.Unread = *summary
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Unread returns just the unread summary
func (s *Snapshots) Unread(ctx context.Context, userID, courseID int64) (*unread.Summary, error) {
	return s.unread.Summarize(ctx, userID, courseID)
}
