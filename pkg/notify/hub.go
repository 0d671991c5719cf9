package notify

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/helpme/helpme/pkg/observability"
)

// Hub tracks the connections of one instance and the courses each is
// subscribed to. Events are delivered by a single goroutine so that every
// course channel sees them in publish order.
type Hub struct {
	mu          sync.Mutex
	conns       map[string]*Connection
	courses     map[int64]map[string]*Connection
	connCourses map[string]map[int64]struct{}
	seq         map[int64]uint64

	snapshots *Snapshots
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewHub creates a hub. metrics may be nil.
func NewHub(snapshots *Snapshots, logger *observability.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		conns:       make(map[string]*Connection),
		courses:     make(map[int64]map[string]*Connection),
		connCourses: make(map[string]map[int64]struct{}),
		seq:         make(map[int64]uint64),
		snapshots:   snapshots,
		logger:      logger,
		metrics:     metrics,
	}
}

// Start subscribes to broker and delivers its events until ctx is done.
// It returns once the subscription is in place.
func (h *Hub) Start(ctx context.Context, broker Broker) error {
	events, err := broker.Subscribe(ctx)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				h.Deliver(ctx, event)
			}
		}
	}()
	return nil
}

// Attach registers and starts a connection
func (h *Hub) Attach(c *Connection) {
	c.onOverflow = h.metrics.ConnectionDropped

	h.mu.Lock()
	h.conns[c.ID] = c
	h.connCourses[c.ID] = make(map[int64]struct{})
	h.mu.Unlock()

	h.metrics.ConnectionOpened(1)
	c.Start()
}

// Detach forgets a connection and all its subscriptions
func (h *Hub) Detach(c *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	removed := len(h.connCourses[c.ID])
	for courseID := range h.connCourses[c.ID] {
		h.leaveLocked(courseID, c.ID)
	}
	delete(h.connCourses, c.ID)
	delete(h.conns, c.ID)
	h.mu.Unlock()

	h.metrics.ConnectionOpened(-1)
	h.metrics.SubscriptionChanged(-removed)
}

func (h *Hub) leaveLocked(courseID int64, connID string) {
	if room := h.courses[courseID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.courses, courseID)
		}
	}
}

// Subscribe adds the course to the connection and sends it a snapshot. The
// subscription is registered before the snapshot is read, so any event
// published afterwards reaches the connection; the snapshot's seq is the
// course sequence at registration.
func (h *Hub) Subscribe(ctx context.Context, c *Connection, courseID int64) error {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return ErrConnectionClosed
	}
	room := h.courses[courseID]
	if room == nil {
		room = make(map[string]*Connection)
		h.courses[courseID] = room
	}
	_, already := room[c.ID]
	room[c.ID] = c
	h.connCourses[c.ID][courseID] = struct{}{}
	seq := h.seq[courseID]
	h.mu.Unlock()

	if !already {
		h.metrics.SubscriptionChanged(1)
	}

	snap, err := h.snapshots.Build(ctx, c.UserID, courseID)
	if err != nil {
		return err
	}
	return h.send(c, TypeSnapshot, courseID, seq, snap)
}

// Unsubscribe removes the course from the connection
func (h *Hub) Unsubscribe(c *Connection, courseID int64) {
	h.mu.Lock()
	courses, ok := h.connCourses[c.ID]
	_, subscribed := courses[courseID]
	if ok && subscribed {
		delete(courses, courseID)
		h.leaveLocked(courseID, c.ID)
	}
	h.mu.Unlock()

	if subscribed {
		h.metrics.SubscriptionChanged(-1)
	}
}

// Seq returns the current sequence of a course
func (h *Hub) Seq(courseID int64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq[courseID]
}

// Subscribers returns how many connections are subscribed to a course
func (h *Hub) Subscribers(courseID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.courses[courseID])
}

// recipients returns the connections of userID subscribed to courseID
func (h *Hub) recipients(courseID, userID int64) []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Connection
	for _, c := range h.courses[courseID] {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) nextSeq(courseID int64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq[courseID]++
	return h.seq[courseID]
}

// Deliver sends one event to the local connections it concerns
func (h *Hub) Deliver(ctx context.Context, event Event) {
	switch event.Kind {
	case EventAlert:
		if event.Alert == nil {
			return
		}
		conns := h.recipients(event.CourseID, event.Alert.UserID)
		if len(conns) == 0 {
			return
		}
		seq := h.nextSeq(event.CourseID)
		for _, c := range conns {
			_ = h.send(c, TypeAlert, event.CourseID, seq, event.Alert)
		}

	case EventUnread:
		for _, userID := range event.UserIDs {
			conns := h.recipients(event.CourseID, userID)
			if len(conns) == 0 {
				continue
			}
			summary, err := h.snapshots.Unread(ctx, userID, event.CourseID)
			if err != nil {
				h.logger.WithError(err).WithFields(map[string]interface{}{
					"user_id":   userID,
					"course_id": event.CourseID,
				}).Warn("failed to load unread summary")
				continue
			}
			seq := h.nextSeq(event.CourseID)
			for _, c := range conns {
				_ = h.send(c, TypeUnreadUpdate, event.CourseID, seq, summary)
			}
		}

	default:
		h.logger.WithField("kind", event.Kind).Warn("ignoring unknown notification event")
	}
}

// SendError reports a user-facing error on one connection
func (h *Hub) SendError(c *Connection, courseID int64, message string) {
	_ = h.send(c, TypeError, courseID, 0, ErrorPayload{Message: message})
}

func (h *Hub) send(c *Connection, msgType string, courseID int64, seq uint64, payload interface{}) error {
	data, err := encode(msgType, courseID, seq, payload)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode notification")
		return err
	}
	if err := c.Send(data); err != nil {
		return err
	}
	h.metrics.MessageQueued(msgType)
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutdown")
		h.Detach(c)
	}
}
