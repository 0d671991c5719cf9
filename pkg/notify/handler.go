package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/contextkeys"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/roles"
)

// SnapshotRoute is the policy entry a subscribe must satisfy
const SnapshotRoute = "notifications.snapshot"

// Authorizer checks a route policy for an explicit target
type Authorizer interface {
	AuthorizeRoute(ctx context.Context, userID int64, route string, target roles.Target) (roles.Roles, error)
}

// Limiter throttles subscribe storms
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// HandlerConfig tunes the websocket endpoint
type HandlerConfig struct {
	SendBuffer     int
	PingInterval   time.Duration
	RequestTimeout time.Duration
	CheckOrigin    func(r *http.Request) bool
}

// Handler serves the notification websocket and the poll snapshot
type Handler struct {
	hub      *Hub
	authz    Authorizer
	limiter  Limiter
	config   HandlerConfig
	upgrader websocket.Upgrader
	logger   *observability.Logger
}

// NewHandler creates the endpoint handler. limiter may be nil.
func NewHandler(hub *Hub, authz Authorizer, limiter Limiter, config HandlerConfig, logger *observability.Logger) *Handler {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}
	return &Handler{
		hub:     hub,
		authz:   authz,
		limiter: limiter,
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger,
	}
}

func callerID(r *http.Request) int64 {
	authCtx, _ := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	return authCtx.UserID()
}

// ServeHTTP upgrades the request and serves subscribe/unsubscribe frames
// until the client goes away
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == 0 {
		httputil.WriteUnauthorized(w)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request
		return
	}

	conn := NewConnection(userID, ws, h.config.SendBuffer, h.config.PingInterval)
	h.hub.Attach(conn)
	defer func() {
		h.hub.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()

	log := h.logger.WithFields(map[string]interface{}{
		"user_id":       userID,
		"connection_id": conn.ID,
	})
	log.Debug("notification connection opened")

	readTimeout := 2 * h.config.PingInterval
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ctx := context.WithoutCancel(r.Context())
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.WithError(err).Debug("notification connection read ended")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.hub.SendError(conn, 0, "invalid message")
			continue
		}

		switch msg.Action {
		case ActionSubscribe:
			h.subscribe(ctx, conn, msg.CourseID, log)
		case ActionUnsubscribe:
			h.hub.Unsubscribe(conn, msg.CourseID)
		default:
			h.hub.SendError(conn, msg.CourseID, "unknown action")
		}
	}
}

func (h *Handler) subscribe(parent context.Context, conn *Connection, courseID int64, log *observability.Logger) {
	if courseID <= 0 {
		h.hub.SendError(conn, 0, "invalid course")
		return
	}

	ctx, cancel := context.WithTimeout(parent, h.config.RequestTimeout)
	defer cancel()

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, fmt.Sprintf("subscribe:%d", conn.UserID))
		if err != nil {
			log.WithError(err).Warn("subscribe rate limiter unavailable")
		} else if !allowed {
			h.hub.SendError(conn, courseID, "too many subscriptions, slow down")
			return
		}
	}

	if _, err := h.authz.AuthorizeRoute(ctx, conn.UserID, SnapshotRoute, roles.Target{CourseID: courseID}); err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			log.WithError(err).Error("subscribe authorization failed")
		}
		h.hub.SendError(conn, courseID, apperr.PublicMessage(err))
		return
	}

	if err := h.hub.Subscribe(ctx, conn, courseID); err != nil {
		log.WithError(err).WithField("course_id", courseID).Warn("failed to send snapshot")
		h.hub.Unsubscribe(conn, courseID)
		h.hub.SendError(conn, courseID, apperr.PublicMessage(err))
	}
}

// ServeSnapshot answers the poll endpoint with the same message a
// subscriber receives. The route is guarded, so the caller is a member.
func (h *Handler) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}

	seq := h.hub.Seq(courseID)
	snap, err := h.hub.snapshots.Build(r.Context(), userID, courseID)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to build snapshot")
		httputil.WriteAppError(w, err)
		return
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	_ = httputil.WriteSuccess(w, ServerMessage{Type: TypeSnapshot, CourseID: courseID, Seq: seq, Payload: raw})
}
