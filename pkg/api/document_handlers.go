package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/roles"
)

// DocumentHandlers receives chatbot document pipeline callbacks
type DocumentHandlers struct {
	alerts    *alerts.Store
	resolver  roles.Resolver
	publisher Publisher
	logger    *observability.Logger
}

// NewDocumentHandlers creates document handlers. publisher may be nil.
func NewDocumentHandlers(store *alerts.Store, resolver roles.Resolver, publisher Publisher, logger *observability.Logger) *DocumentHandlers {
	return &DocumentHandlers{
		alerts:    store,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
	}
}

// RegisterRoutes registers document routes
func (h *DocumentHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/courses/{cid}/documents/{docId}/processed", h.DocumentProcessed).Methods("POST").Name(RouteDocumentsProcessed)
}

// DocumentProcessedRequest names the uploader to notify
type DocumentProcessedRequest struct {
	UserID       int64  `json:"userId"`
	DocumentName string `json:"documentName"`
}

// DocumentProcessed handles POST /courses/{cid}/documents/{docId}/processed.
// It creates a feed alert for the uploader, who must still be enrolled.
func (h *DocumentHandlers) DocumentProcessed(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	documentID, ok := httputil.ParsePathInt64OrError(w, r, "docId")
	if !ok {
		return
	}
	var req DocumentProcessedRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.DocumentName = strings.TrimSpace(req.DocumentName)
	if req.UserID <= 0 {
		httputil.WriteBadRequest(w, "userId is required")
		return
	}

	uploader, err := h.resolver.Resolve(r.Context(), req.UserID, roles.Target{CourseID: courseID})
	if err != nil && !apperr.IsNotFound(err) {
		writeError(w, r, err)
		return
	}
	if err != nil || uploader.CourseRole == auth.CourseRoleNone {
		httputil.WriteBadRequest(w, "uploader is not a member of this course")
		return
	}

	alert, err := h.alerts.Create(r.Context(), alerts.NewAlert{
		UserID:       req.UserID,
		CourseID:     courseID,
		Type:         alerts.TypeDocumentProcessed,
		DeliveryMode: alerts.ModeFeed,
		Payload: alerts.DocumentProcessedPayload{
			DocumentID:   documentID,
			DocumentName: req.DocumentName,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishAlert(r.Context(), alert); err != nil {
			h.logger.WithError(err).WithField("alert_id", alert.ID).Warn("failed to publish document alert")
		}
	}
	httputil.WriteCreated(w, alert)
}
