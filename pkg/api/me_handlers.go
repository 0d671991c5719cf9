package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/helpme/helpme/pkg/guard"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/notify"
)

// MeHandlers describes the caller
type MeHandlers struct{}

// NewMeHandlers creates caller handlers
func NewMeHandlers() *MeHandlers {
	return &MeHandlers{}
}

// RegisterRoutes registers caller routes
func (h *MeHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/me/roles", h.GetRoles).Methods("GET").Name(RouteMeRoles)
}

// GetRoles handles GET /me/roles. The optional cid / oid query parameters
// select the target; the guard has already resolved them.
func (h *MeHandlers) GetRoles(w http.ResponseWriter, r *http.Request) {
	resolved, ok := guard.RolesFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w)
		return
	}
	httputil.WriteSuccess(w, resolved)
}

// NotificationHandlers mounts the real-time channel and its poll fallback
type NotificationHandlers struct {
	handler *notify.Handler
}

// NewNotificationHandlers creates notification handlers
func NewNotificationHandlers(handler *notify.Handler) *NotificationHandlers {
	return &NotificationHandlers{handler: handler}
}

// RegisterRoutes registers notification routes
func (h *NotificationHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/notifications/ws", h.handler).Methods("GET").Name(RouteNotificationsWS)
	router.HandleFunc("/courses/{cid}/notifications", h.handler.ServeSnapshot).Methods("GET").Name(notify.SnapshotRoute)
}
