package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helpme/helpme/pkg/notify"
	"github.com/helpme/helpme/pkg/observability"
)

// Options configures a Client
type Options struct {
	Header      http.Header
	Dialer      *websocket.Dialer
	Backoff     BackoffConfig
	ReadTimeout time.Duration
	Logger      *observability.Logger
}

// Client keeps one websocket to the notification endpoint and shares it
// between any number of course subscriptions. It reconnects with backoff
// and re-subscribes every course, starting each from a fresh snapshot.
type Client struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	backoff     *Backoff
	readTimeout time.Duration
	logger      *observability.Logger
	store       *Store

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[int64]map[*Subscription]struct{}

	writeMu sync.Mutex
}

// New creates a client for the websocket URL. Nothing is dialed until Run.
func New(url string, opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Client{
		url:         url,
		header:      opts.Header,
		dialer:      opts.Dialer,
		backoff:     NewBackoff(opts.Backoff),
		readTimeout: opts.ReadTimeout,
		logger:      opts.Logger,
		store:       NewStore(),
		subs:        make(map[int64]map[*Subscription]struct{}),
	}
}

// Subscription receives the state of one course every time it changes.
// Intermediate states may be skipped when the reader falls behind; the
// latest one is always delivered.
type Subscription struct {
	CourseID int64

	client *Client
	ch     chan State
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

// C returns the state stream. It is closed by Close.
func (s *Subscription) C() <-chan State {
	return s.ch
}

// Close detaches the subscription and closes C. The course is unsubscribed
// once its last subscription is closed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.client.remove(s)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// offer never blocks; it runs under mu so Close cannot close ch mid-send
func (s *Subscription) offer(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- state:
			return
		default:
		}
		// Replace the stale state nobody has read yet
		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscribe starts following a course
func (c *Client) Subscribe(courseID int64) *Subscription {
	sub := &Subscription{CourseID: courseID, client: c, ch: make(chan State, 1)}

	c.mu.Lock()
	room, existing := c.subs[courseID]
	if !existing {
		room = make(map[*Subscription]struct{})
		c.subs[courseID] = room
		c.store.Reset(courseID)
	}
	room[sub] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if !existing {
		if conn != nil {
			c.write(conn, notify.ActionSubscribe, courseID)
		}
	} else if state, ok := c.store.State(courseID); ok && state.Ready {
		sub.offer(state)
	}
	return sub
}

func (c *Client) remove(sub *Subscription) {
	c.mu.Lock()
	room := c.subs[sub.CourseID]
	delete(room, sub)
	last := len(room) == 0
	if last {
		delete(c.subs, sub.CourseID)
		c.store.Drop(sub.CourseID)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		c.write(conn, notify.ActionUnsubscribe, sub.CourseID)
	}
}

// Dismiss drops an alert from local state after it has been marked read
func (c *Client) Dismiss(courseID, alertID int64) {
	if c.store.Dismiss(courseID, alertID) {
		c.publish(courseID)
	}
}

// State returns the current state of a followed course
func (c *Client) State(courseID int64) (State, bool) {
	return c.store.State(courseID)
}

// Run maintains the connection until ctx is done
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}

		delay := c.backoff.Delay(attempt)
		attempt++
		c.logger.WithError(err).WithField("retry_in", delay.String()).Warn("notification connection lost")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the dial
// succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()

	c.mu.Lock()
	c.conn = ws
	courses := make([]int64, 0, len(c.subs))
	for courseID := range c.subs {
		courses = append(courses, courseID)
		c.store.Reset(courseID)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == ws {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = ws.Close()
	}()

	_ = ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for _, courseID := range courses {
		c.write(ws, notify.ActionSubscribe, courseID)
	}

	for {
		var msg notify.ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return true, err
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		c.handle(msg)
	}
}

func (c *Client) handle(msg notify.ServerMessage) {
	changed, err := c.store.Apply(msg)
	if err != nil {
		c.logger.WithError(err).WithField("type", msg.Type).Warn("ignoring malformed notification")
		return
	}
	if msg.Type == notify.TypeError {
		c.logger.WithField("course_id", msg.CourseID).Warn("notification server reported an error")
	}
	if changed {
		c.publish(msg.CourseID)
	}
}

func (c *Client) publish(courseID int64) {
	state, ok := c.store.State(courseID)
	if !ok {
		return
	}
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs[courseID]))
	for sub := range c.subs[courseID] {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.offer(state)
	}
}

func (c *Client) write(ws *websocket.Conn, action string, courseID int64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteJSON(notify.ClientMessage{Action: action, CourseID: courseID}); err != nil {
		// The read loop sees the broken socket and reconnects
		c.logger.WithError(err).WithField("course_id", courseID).Debug("failed to send subscription change")
	}
}
