package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/helpme/helpme/pkg/guard"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/questions"
)

// QuestionHandlers serves async question mutations
type QuestionHandlers struct {
	service *questions.Service
}

// NewQuestionHandlers creates question handlers
func NewQuestionHandlers(service *questions.Service) *QuestionHandlers {
	return &QuestionHandlers{service: service}
}

// RegisterRoutes registers async question routes
func (h *QuestionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/courses/{cid}/async-questions", h.CreateQuestion).Methods("POST").Name(RouteQuestionsCreate)
	router.HandleFunc("/courses/{cid}/async-questions/{qid}", h.GetQuestion).Methods("GET").Name(RouteQuestionsGet)
	router.HandleFunc("/courses/{cid}/async-questions/{qid}", h.UpdateQuestion).Methods("PATCH").Name(RouteQuestionsUpdate)
	router.HandleFunc("/courses/{cid}/async-questions/{qid}", h.DeleteQuestion).Methods("DELETE").Name(RouteQuestionsDelete)
	router.HandleFunc("/courses/{cid}/async-questions/{qid}/comments", h.CreateComment).Methods("POST").Name(RouteQuestionsComment)
}

// actor builds the mutation caller from the roles the guard resolved
func actor(r *http.Request) questions.Actor {
	resolved, _ := guard.RolesFromContext(r.Context())
	return questions.Actor{UserID: resolved.UserID, Role: resolved.CourseRole}
}

// CreateQuestion handles POST /courses/{cid}/async-questions
func (h *QuestionHandlers) CreateQuestion(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	var req questions.NewQuestion
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	q, err := h.service.Create(r.Context(), actor(r), courseID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, q)
}

// GetQuestion handles GET /courses/{cid}/async-questions/{qid}
func (h *QuestionHandlers) GetQuestion(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	questionID, ok := httputil.ParsePathInt64OrError(w, r, "qid")
	if !ok {
		return
	}

	q, err := h.service.Get(r.Context(), actor(r), courseID, questionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, q)
}

// UpdateQuestion handles PATCH /courses/{cid}/async-questions/{qid}
func (h *QuestionHandlers) UpdateQuestion(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	questionID, ok := httputil.ParsePathInt64OrError(w, r, "qid")
	if !ok {
		return
	}
	var req questions.Update
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	q, err := h.service.Update(r.Context(), actor(r), courseID, questionID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, q)
}

// DeleteQuestion handles DELETE /courses/{cid}/async-questions/{qid}
func (h *QuestionHandlers) DeleteQuestion(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	questionID, ok := httputil.ParsePathInt64OrError(w, r, "qid")
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), actor(r), courseID, questionID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type commentRequest struct {
	Text string `json:"commentText"`
}

// CreateComment handles POST /courses/{cid}/async-questions/{qid}/comments
func (h *QuestionHandlers) CreateComment(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	questionID, ok := httputil.ParsePathInt64OrError(w, r, "qid")
	if !ok {
		return
	}
	var req commentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	c, err := h.service.Comment(r.Context(), actor(r), courseID, questionID, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, c)
}
