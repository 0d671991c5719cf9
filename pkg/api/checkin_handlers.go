package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/helpme/helpme/pkg/checkin"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/middleware"
)

// CheckinHandlers serves staff check-in sessions
type CheckinHandlers struct {
	service *checkin.Service
}

// NewCheckinHandlers creates check-in handlers
func NewCheckinHandlers(service *checkin.Service) *CheckinHandlers {
	return &CheckinHandlers{service: service}
}

// RegisterRoutes registers check-in routes
func (h *CheckinHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/courses/{cid}/checkin", h.Start).Methods("POST").Name(RouteCheckinStart)
	router.HandleFunc("/courses/{cid}/checkout", h.Checkout).Methods("POST").Name(RouteCheckinEnd)
}

// CheckinRequest is the body of a check-in
type CheckinRequest struct {
	ExpectedEndAt time.Time `json:"expectedEndAt"`
}

// Start handles POST /courses/{cid}/checkin
func (h *CheckinHandlers) Start(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	var req CheckinRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	userID := middleware.GetAuthContext(r).UserID()

	session, err := h.service.Start(r.Context(), userID, courseID, req.ExpectedEndAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, session)
}

// Checkout handles POST /courses/{cid}/checkout
func (h *CheckinHandlers) Checkout(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	userID := middleware.GetAuthContext(r).UserID()

	session, err := h.service.Checkout(r.Context(), userID, courseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, session)
}
