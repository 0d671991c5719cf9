package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/roles"
)

// MemberHandlers manages course rosters and organization membership
type MemberHandlers struct {
	memberships *roles.Memberships
}

// NewMemberHandlers creates membership handlers
func NewMemberHandlers(memberships *roles.Memberships) *MemberHandlers {
	return &MemberHandlers{memberships: memberships}
}

// RegisterRoutes registers membership routes
func (h *MemberHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/courses/{cid}/members", h.Enroll).Methods("POST").Name(RouteMembersEnroll)
	router.HandleFunc("/courses/{cid}/members/{uid}", h.UpdateEnrollment).Methods("PATCH").Name(RouteMembersUpdate)
	router.HandleFunc("/courses/{cid}/members/{uid}", h.Unenroll).Methods("DELETE").Name(RouteMembersRemove)

	router.HandleFunc("/organizations/{oid}/members", h.AddOrgMember).Methods("POST").Name(RouteOrgMembersAdd)
	router.HandleFunc("/organizations/{oid}/members/{uid}", h.RemoveOrgMember).Methods("DELETE").Name(RouteOrgMembersRemove)
}

// EnrollRequest adds a user to a course
type EnrollRequest struct {
	UserID int64           `json:"userId"`
	Role   auth.CourseRole `json:"role"`
}

// CourseMember is the response of enrollment changes
type CourseMember struct {
	UserID   int64           `json:"userId"`
	CourseID int64           `json:"courseId"`
	Role     auth.CourseRole `json:"role"`
}

// Enroll handles POST /courses/{cid}/members
func (h *MemberHandlers) Enroll(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	var req EnrollRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		httputil.WriteBadRequest(w, "userId is required")
		return
	}

	if err := h.memberships.Enroll(r.Context(), req.UserID, courseID, req.Role); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, CourseMember{UserID: req.UserID, CourseID: courseID, Role: req.Role})
}

type roleRequest struct {
	Role string `json:"role"`
}

// UpdateEnrollment handles PATCH /courses/{cid}/members/{uid}
func (h *MemberHandlers) UpdateEnrollment(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "uid")
	if !ok {
		return
	}
	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role := auth.CourseRole(req.Role)
	if err := h.memberships.ChangeCourseRole(r.Context(), userID, courseID, role); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, CourseMember{UserID: userID, CourseID: courseID, Role: role})
}

// Unenroll handles DELETE /courses/{cid}/members/{uid}. The user's alerts,
// unread markers and open check-ins for the course go with the enrollment.
func (h *MemberHandlers) Unenroll(w http.ResponseWriter, r *http.Request) {
	courseID, ok := httputil.ParsePathInt64OrError(w, r, "cid")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "uid")
	if !ok {
		return
	}

	if err := h.memberships.Unenroll(r.Context(), userID, courseID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// OrgMemberRequest adds a user to an organization
type OrgMemberRequest struct {
	UserID int64        `json:"userId"`
	Role   auth.OrgRole `json:"role"`
}

// AddOrgMember handles POST /organizations/{oid}/members
func (h *MemberHandlers) AddOrgMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "oid")
	if !ok {
		return
	}
	var req OrgMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		httputil.WriteBadRequest(w, "userId is required")
		return
	}
	if req.Role == auth.OrgRoleNone {
		req.Role = auth.OrgRoleMember
	}

	if err := h.memberships.AddOrgMember(r.Context(), req.UserID, orgID, req.Role); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{
		"userId":         req.UserID,
		"organizationId": orgID,
		"role":           req.Role,
	})
}

// RemoveOrgMember handles DELETE /organizations/{oid}/members/{uid}
func (h *MemberHandlers) RemoveOrgMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "oid")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "uid")
	if !ok {
		return
	}

	if err := h.memberships.RemoveOrgMember(r.Context(), userID, orgID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
