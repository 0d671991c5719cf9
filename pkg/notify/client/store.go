package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/notify"
	"github.com/helpme/helpme/pkg/unread"
)

// State is what a client knows about one course
type State struct {
	CourseID int64
	// Alerts are the unread alerts, newest first
	Alerts []alerts.Alert
	Unread unread.Summary
	// Ready is set once a snapshot has been applied since the last
	// (re)subscribe
	Ready bool
	// Error is the last error the server reported for the course
	Error string
}

type courseState struct {
	alerts    map[int64]alerts.Alert
	unread    unread.Summary
	unreadSeq uint64
	ready     bool
	err       string
}

// Store holds per-course state built from server messages. Applying the
// same message twice leaves the state unchanged.
type Store struct {
	mu      sync.RWMutex
	courses map[int64]*courseState
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{courses: make(map[int64]*courseState)}
}

// Reset forgets what is known about a course and starts tracking it. It is
// called before every (re)subscribe.
func (s *Store) Reset(courseID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[courseID] = &courseState{
		alerts: make(map[int64]alerts.Alert),
		unread: unread.Summary{CourseID: courseID},
	}
}

// Drop stops tracking a course
func (s *Store) Drop(courseID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.courses, courseID)
}

// Apply folds msg into the store and reports whether the state of its
// course changed. Messages for untracked courses are ignored.
func (s *Store) Apply(msg notify.ServerMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.courses[msg.CourseID]
	if !ok {
		return false, nil
	}

	switch msg.Type {
	case notify.TypeSnapshot:
		var snap notify.Snapshot
		if err := json.Unmarshal(msg.Payload, &snap); err != nil {
			return false, fmt.Errorf("invalid snapshot: %w", err)
		}
		for _, a := range snap.Alerts {
			cs.alerts[a.ID] = a
		}
		// Updates delivered between registration and the snapshot carry a
		// higher sequence and win
		if msg.Seq >= cs.unreadSeq {
			cs.unread = snap.Unread
			cs.unreadSeq = msg.Seq
		}
		cs.ready = true
		cs.err = ""
		return true, nil

	case notify.TypeAlert:
		var a alerts.Alert
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return false, fmt.Errorf("invalid alert: %w", err)
		}
		if _, seen := cs.alerts[a.ID]; seen {
			return false, nil
		}
		cs.alerts[a.ID] = a
		return true, nil

	case notify.TypeUnreadUpdate:
		if msg.Seq <= cs.unreadSeq {
			return false, nil
		}
		var summary unread.Summary
		if err := json.Unmarshal(msg.Payload, &summary); err != nil {
			return false, fmt.Errorf("invalid unread update: %w", err)
		}
		cs.unread = summary
		cs.unreadSeq = msg.Seq
		return true, nil

	case notify.TypeError:
		var payload notify.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false, fmt.Errorf("invalid error message: %w", err)
		}
		cs.err = payload.Message
		return true, nil
	}
	return false, nil
}

// Dismiss removes an alert the user has read
func (s *Store) Dismiss(courseID, alertID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.courses[courseID]
	if !ok {
		return false
	}
	if _, ok := cs.alerts[alertID]; !ok {
		return false
	}
	delete(cs.alerts, alertID)
	return true
}

// State returns a copy of a course's state
func (s *Store) State(courseID int64) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.courses[courseID]
	if !ok {
		return State{}, false
	}

	list := make([]alerts.Alert, 0, len(cs.alerts))
	for _, a := range cs.alerts {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})

	return State{
		CourseID: courseID,
		Alerts:   list,
		Unread:   cs.unread,
		Ready:    cs.ready,
		Error:    cs.err,
	}, true
}
