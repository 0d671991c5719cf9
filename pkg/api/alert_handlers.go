package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/middleware"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/unread"
)

// AlertHandlers serves the caller's alert feed
type AlertHandlers struct {
	alerts *alerts.Store
	logger *observability.Logger
}

// NewAlertHandlers creates alert handlers
func NewAlertHandlers(store *alerts.Store, logger *observability.Logger) *AlertHandlers {
	return &AlertHandlers{alerts: store, logger: logger}
}

// RegisterRoutes registers alert routes
func (h *AlertHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/courses/{cid}/alerts", h.ListAlerts).Methods("GET").Name(RouteAlertsList)
	router.HandleFunc("/courses/{cid}/alerts/{id}", h.MarkRead).Methods("PATCH").Name(RouteAlertsRead)
}

// ListAlerts handles GET /courses/{cid}/alerts. ?unread=true restricts the
// feed to alerts not yet acknowledged.
func (h *AlertHandlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	userID := middleware.GetAuthContext(r).UserID()

	var (
		list []alerts.Alert
		err  error
	)
	if r.URL.Query().Get("unread") == "true" {
		list, err = h.alerts.ListUnread(r.Context(), userID, courseID)
	} else {
		list, err = h.alerts.List(r.Context(), userID, courseID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	httputil.WriteSuccess(w, list)
}

// MarkRead handles PATCH /courses/{cid}/alerts/{id}. The response is the same
// whether or not the alert belonged to the caller.
func (h *AlertHandlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	alertID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	userID := middleware.GetAuthContext(r).UserID()

	if _, err := h.alerts.MarkRead(r.Context(), alertID, userID, courseID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// UnreadHandlers serves async question unread counts
type UnreadHandlers struct {
	tracker *unread.Tracker
}

// NewUnreadHandlers creates unread handlers
func NewUnreadHandlers(tracker *unread.Tracker) *UnreadHandlers {
	return &UnreadHandlers{tracker: tracker}
}

// RegisterRoutes registers unread routes
func (h *UnreadHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/courses/{cid}/unread", h.GetUnread).Methods("GET").Name(RouteUnreadGet)
}

// GetUnread handles GET /courses/{cid}/unread
func (h *UnreadHandlers) GetUnread(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	userID := middleware.GetAuthContext(r).UserID()

	summary, err := h.tracker.Summarize(r.Context(), userID, courseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}
