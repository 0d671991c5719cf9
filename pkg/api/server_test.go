package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/api"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/checkin"
	"github.com/helpme/helpme/pkg/guard"
	"github.com/helpme/helpme/pkg/middleware"
	"github.com/helpme/helpme/pkg/notify"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/questions"
	"github.com/helpme/helpme/pkg/roles"
	"github.com/helpme/helpme/pkg/storage"
	"github.com/helpme/helpme/pkg/storage/storagetest"
	"github.com/helpme/helpme/pkg/unread"
)

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
}

func (p *recordingPublisher) PublishAlert(_ context.Context, a *alerts.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

type harness struct {
	t       *testing.T
	db      *storage.DB
	server  *api.Server
	alerts  *alerts.Store
	metrics *observability.Metrics
	pub     *recordingPublisher
	tokens  map[int64]string

	org       int64
	course    int64
	other     int64
	student   int64
	classmate int64
	ta        int64
	professor int64
	admin     int64
	outsider  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storagetest.NewDB(t)
	logger := observability.NewNopLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	h := &harness{
		t:       t,
		db:      db,
		metrics: metrics,
		pub:     &recordingPublisher{},
		tokens:  make(map[int64]string),
	}

	h.org = storagetest.CreateOrganization(t, db, "State U")
	h.course = storagetest.CreateCourse(t, db, h.org, "CS 101")
	h.other = storagetest.CreateCourse(t, db, h.org, "CS 201")
	h.student = storagetest.CreateUser(t, db, "student@example.edu")
	h.classmate = storagetest.CreateUser(t, db, "classmate@example.edu")
	h.ta = storagetest.CreateUser(t, db, "ta@example.edu")
	h.professor = storagetest.CreateUser(t, db, "prof@example.edu")
	h.admin = storagetest.CreateUser(t, db, "admin@example.edu")
	h.outsider = storagetest.CreateUser(t, db, "outsider@example.edu")

	storagetest.Enroll(t, db, h.student, h.course, "student")
	storagetest.Enroll(t, db, h.classmate, h.course, "student")
	storagetest.Enroll(t, db, h.ta, h.course, "ta")
	storagetest.Enroll(t, db, h.professor, h.course, "professor")
	storagetest.AddOrgMember(t, db, h.admin, h.org, "admin")
	storagetest.AddOrgMember(t, db, h.professor, h.org, "member")

	tokens := auth.NewTokenManager(db.DB)
	for _, id := range []int64{h.student, h.classmate, h.ta, h.professor, h.admin, h.outsider} {
		_, raw, err := tokens.CreateToken(context.Background(), id, "test", nil)
		require.NoError(t, err)
		h.tokens[id] = raw
	}

	resolver := roles.NewStore(db)
	alertStore := alerts.NewStore(db, logger, metrics)
	tracker := unread.NewTracker(db, metrics)
	checkins := checkin.NewService(db, alertStore, logger)
	g := guard.New(api.DefaultPolicy(), resolver, logger, metrics)
	hub := notify.NewHub(notify.NewSnapshots(alertStore, tracker), logger, metrics)
	t.Cleanup(hub.Close)

	h.alerts = alertStore
	h.server = api.NewServer(api.Deps{
		Auth:        middleware.NewAuthMiddleware(tokens, logger),
		Guard:       g,
		Resolver:    resolver,
		Memberships: roles.NewMemberships(db, nil, logger, alertStore.ClearEnrollment, tracker.ClearEnrollment, checkins.ClearEnrollment),
		Alerts:      alertStore,
		Unread:      tracker,
		Questions:   questions.NewService(db, alertStore, tracker, nil, logger),
		Checkin:     checkins,
		Notify:      notify.NewHandler(hub, g, nil, notify.HandlerConfig{}, logger),
		Publisher:   h.pub,
		Logger:      logger,
		Metrics:     metrics,
	})
	return h
}

func (h *harness) do(userID int64, method, path string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, api.Prefix+path, reader)
	if token, ok := h.tokens[userID]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func (h *harness) coursePath(format string, args ...interface{}) string {
	return fmt.Sprintf("/courses/%d", h.course) + fmt.Sprintf(format, args...)
}

func (h *harness) seedAlert(userID int64) *alerts.Alert {
	h.t.Helper()
	a, err := h.alerts.Create(context.Background(), alerts.NewAlert{
		UserID:       userID,
		CourseID:     h.course,
		Type:         alerts.TypeRephraseQuestion,
		DeliveryMode: alerts.ModeModal,
	})
	require.NoError(h.t, err)
	return a
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func TestServer_RejectsUnauthenticated(t *testing.T) {
	h := newHarness(t)

	rec := h.do(0, "GET", h.coursePath("/alerts"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"authentication required"}`, rec.Body.String())
}

func TestServer_RouteAuthorization(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		user   int64
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"student lists alerts", h.student, "GET", h.coursePath("/alerts"), nil, http.StatusOK},
		{"outsider lists alerts", h.outsider, "GET", h.coursePath("/alerts"), nil, http.StatusForbidden},
		{"student in other course", h.student, "GET", fmt.Sprintf("/courses/%d/alerts", h.other), nil, http.StatusForbidden},
		{"malformed course id", h.student, "GET", "/courses/abc/alerts", nil, http.StatusForbidden},
		{"missing course", h.student, "GET", "/courses/9999/unread", nil, http.StatusForbidden},
		{"student checks in", h.student, "POST", h.coursePath("/checkin"), map[string]string{}, http.StatusForbidden},
		{"ta enrolls", h.ta, "POST", h.coursePath("/members"), map[string]interface{}{"userId": h.outsider, "role": "student"}, http.StatusForbidden},
		{"professor adds org member", h.professor, "POST", fmt.Sprintf("/organizations/%d/members", h.org), map[string]interface{}{"userId": h.outsider}, http.StatusForbidden},
		{"student reads roles", h.student, "GET", "/me/roles", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(tt.user, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusForbidden {
				assert.JSONEq(t, `{"error":"not permitted"}`, rec.Body.String())
			}
		})
	}
}

func TestServer_UnlistedRouteIsDenied(t *testing.T) {
	h := newHarness(t)
	h.server.RegisterRoutes(registrarFunc(func(router *mux.Router) {
		router.HandleFunc("/courses/{cid}/secret", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}).Methods("GET").Name("secret.get")
		router.HandleFunc("/courses/{cid}/anonymous", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}).Methods("GET")
	}))

	assert.Equal(t, http.StatusForbidden, h.do(h.professor, "GET", h.coursePath("/secret"), nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(h.professor, "GET", h.coursePath("/anonymous"), nil).Code)
}

type registrarFunc func(router *mux.Router)

func (f registrarFunc) RegisterRoutes(router *mux.Router) { f(router) }

func TestDefaultPolicy_CoversEveryRoute(t *testing.T) {
	h := newHarness(t)
	policy := api.DefaultPolicy()

	var names []string
	err := h.server.Router().Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		if name := route.GetName(); name != "" {
			names = append(names, name)
		}
		return nil
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, policy.Names(), names)
}

func TestAlerts_ListAndMarkRead(t *testing.T) {
	h := newHarness(t)
	mine := h.seedAlert(h.student)
	theirs := h.seedAlert(h.classmate)

	rec := h.do(h.student, "GET", h.coursePath("/alerts?unread=true"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []alerts.Alert
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	// Marking someone else's alert looks the same as marking your own.
	rec = h.do(h.student, "PATCH", h.coursePath("/alerts/%d", theirs.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(h.student, "PATCH", h.coursePath("/alerts/%d", mine.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	unreadMine, err := h.alerts.ListUnread(context.Background(), h.student, h.course)
	require.NoError(t, err)
	assert.Empty(t, unreadMine)
	unreadTheirs, err := h.alerts.ListUnread(context.Background(), h.classmate, h.course)
	require.NoError(t, err)
	assert.Len(t, unreadTheirs, 1)

	rec = h.do(h.student, "GET", h.coursePath("/alerts"), nil)
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].ReadAt)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.HTTPRequestsTotal.WithLabelValues("GET", api.RouteAlertsList, "200")))
}

func TestAlerts_MarkReadThroughOtherCourseIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	storagetest.Enroll(t, h.db, h.student, h.other, "student")

	elsewhere, err := h.alerts.Create(ctx, alerts.NewAlert{
		UserID:       h.student,
		CourseID:     h.other,
		Type:         alerts.TypeRephraseQuestion,
		DeliveryMode: alerts.ModeModal,
	})
	require.NoError(t, err)

	rec := h.do(h.student, "PATCH", h.coursePath("/alerts/%d", elsewhere.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	list, err := h.alerts.ListUnread(ctx, h.student, h.other)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, elsewhere.ID, list[0].ID)

	rec = h.do(h.student, "PATCH", fmt.Sprintf("/courses/%d/alerts/%d", h.other, elsewhere.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	list, err = h.alerts.ListUnread(ctx, h.student, h.other)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestQuestions_CommentMarksAuthorUnread(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.student, "POST", h.coursePath("/async-questions"), map[string]string{
		"questionAbstract": "Recursion",
		"questionText":     "Why does my base case never trigger?",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var q questions.Question
	decode(t, rec, &q)

	rec = h.do(h.ta, "POST", h.coursePath("/async-questions/%d/comments", q.ID), map[string]string{"commentText": "Check n == 0"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(h.student, "GET", h.coursePath("/unread"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary unread.Summary
	decode(t, rec, &summary)
	assert.Equal(t, 1, summary.UnreadCount)

	rec = h.do(h.student, "GET", h.coursePath("/async-questions/%d", q.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &q)
	assert.Len(t, q.Comments, 1)

	rec = h.do(h.student, "GET", h.coursePath("/unread"), nil)
	decode(t, rec, &summary)
	assert.Equal(t, 0, summary.UnreadCount)

	// Hidden from classmates until published.
	rec = h.do(h.classmate, "DELETE", h.coursePath("/async-questions/%d", q.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(h.student, "DELETE", h.coursePath("/async-questions/%d", q.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestQuestions_InvalidBody(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest("POST", api.Prefix+h.coursePath("/async-questions"), strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+h.tokens[h.student])
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocuments_Processed(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.ta, "POST", h.coursePath("/documents/12/processed"), map[string]interface{}{
		"userId":       h.student,
		"documentName": "syllabus.pdf",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created alerts.Alert
	decode(t, rec, &created)
	assert.Equal(t, alerts.TypeDocumentProcessed, created.Type)
	assert.Equal(t, alerts.ModeFeed, created.DeliveryMode)
	assert.JSONEq(t, `{"documentId":12,"documentName":"syllabus.pdf"}`, string(created.Payload))

	assert.Eventually(t, func() bool { return h.pub.count() == 1 }, time.Second, 10*time.Millisecond)

	rec = h.do(h.ta, "POST", h.coursePath("/documents/12/processed"), map[string]interface{}{
		"userId": h.outsider,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(h.ta, "POST", h.coursePath("/documents/12/processed"), map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckin_StartAndCheckout(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.ta, "POST", h.coursePath("/checkout"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	end := time.Now().Add(2 * time.Hour).UTC()
	rec = h.do(h.ta, "POST", h.coursePath("/checkin"), map[string]interface{}{"expectedEndAt": end})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var session checkin.Session
	decode(t, rec, &session)
	assert.Equal(t, h.ta, session.UserID)
	assert.Nil(t, session.CheckedOutAt)

	rec = h.do(h.ta, "POST", h.coursePath("/checkin"), map[string]interface{}{"expectedEndAt": end})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(h.ta, "POST", h.coursePath("/checkout"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &session)
	assert.NotNil(t, session.CheckedOutAt)
}

func TestMembers_EnrollAndUnenroll(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.professor, "POST", h.coursePath("/members"), map[string]interface{}{"userId": h.outsider, "role": "student"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, h.do(h.outsider, "GET", h.coursePath("/alerts"), nil).Code)

	rec = h.do(h.professor, "POST", h.coursePath("/members"), map[string]interface{}{"userId": h.outsider, "role": "student"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(h.professor, "PATCH", h.coursePath("/members/%d", h.outsider), map[string]string{"role": "ta"})
	require.Equal(t, http.StatusOK, rec.Code)
	// Now staff, so the check-out route is reachable.
	assert.Equal(t, http.StatusNotFound, h.do(h.outsider, "POST", h.coursePath("/checkout"), nil).Code)

	rec = h.do(h.professor, "PATCH", h.coursePath("/members/%d", h.outsider), map[string]string{"role": "dean"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.seedAlert(h.outsider)
	rec = h.do(h.professor, "DELETE", h.coursePath("/members/%d", h.outsider), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusForbidden, h.do(h.outsider, "GET", h.coursePath("/alerts"), nil).Code)

	left, err := h.alerts.List(context.Background(), h.outsider, h.course)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestOrgMembers_AddAndRemove(t *testing.T) {
	h := newHarness(t)
	path := fmt.Sprintf("/organizations/%d/members", h.org)

	rec := h.do(h.admin, "POST", path, map[string]interface{}{"userId": h.outsider})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, fmt.Sprintf(`{"userId":%d,"organizationId":%d,"role":"member"}`, h.outsider, h.org), rec.Body.String())

	rec = h.do(h.outsider, "GET", fmt.Sprintf("/me/roles?oid=%d", h.org), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved roles.Roles
	decode(t, rec, &resolved)
	assert.Equal(t, auth.OrgRoleMember, resolved.OrgRole)

	rec = h.do(h.admin, "DELETE", fmt.Sprintf("%s/%d", path, h.outsider), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMe_Roles(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.ta, "GET", fmt.Sprintf("/me/roles?cid=%d", h.course), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved roles.Roles
	decode(t, rec, &resolved)
	assert.Equal(t, h.ta, resolved.UserID)
	assert.Equal(t, auth.CourseRoleTA, resolved.CourseRole)

	// A malformed target on an open route resolves without one.
	rec = h.do(h.ta, "GET", "/me/roles?cid=-3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resolved)
	assert.Equal(t, auth.CourseRoleNone, resolved.CourseRole)
}

func TestNotifications_SnapshotAndWebsocket(t *testing.T) {
	h := newHarness(t)
	h.seedAlert(h.student)

	rec := h.do(h.student, "GET", h.coursePath("/notifications"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msg notify.ServerMessage
	decode(t, rec, &msg)
	assert.Equal(t, notify.TypeSnapshot, msg.Type)
	var snap notify.Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &snap))
	assert.Len(t, snap.Alerts, 1)

	assert.Equal(t, http.StatusForbidden, h.do(h.outsider, "GET", h.coursePath("/notifications"), nil).Code)

	srv := httptest.NewServer(h.server)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + api.Prefix + "/notifications/ws?access_token=" + h.tokens[h.student]
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(notify.ClientMessage{Action: notify.ActionSubscribe, CourseID: h.course}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, notify.TypeSnapshot, msg.Type)
	assert.Equal(t, h.course, msg.CourseID)

	require.NoError(t, conn.WriteJSON(notify.ClientMessage{Action: notify.ActionSubscribe, CourseID: h.other}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, notify.TypeError, msg.Type)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+api.Prefix+"/notifications/ws", nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}
