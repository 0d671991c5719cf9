package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/checkin"
	"github.com/helpme/helpme/pkg/guard"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/middleware"
	"github.com/helpme/helpme/pkg/notify"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/questions"
	"github.com/helpme/helpme/pkg/roles"
	"github.com/helpme/helpme/pkg/unread"
)

// Prefix is the path under which every API route is mounted
const Prefix = "/api/v1"

const defaultMaxBodyBytes = 1 << 20

// Publisher announces alerts created by API handlers
type Publisher interface {
	PublishAlert(ctx context.Context, alert *alerts.Alert) error
}

// Deps are the collaborators the API server routes to
type Deps struct {
	Auth        *middleware.AuthMiddleware
	RateLimit   *middleware.RateLimitMiddleware
	Guard       *guard.Guard
	Resolver    roles.Resolver
	Memberships *roles.Memberships
	Alerts      *alerts.Store
	Unread      *unread.Tracker
	Questions   *questions.Service
	Checkin     *checkin.Service
	Notify      *notify.Handler
	Publisher   Publisher
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	// MaxBodyBytes bounds request bodies; zero selects 1 MiB
	MaxBodyBytes int64
}

// Server represents our API server
type Server struct {
	deps    Deps
	router  *mux.Router
	api     *mux.Router
	handler http.Handler
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// NewServer creates a new API server. Every route is registered by name; the
// guard looks the name up in its policy, so a route missing from the policy
// is unreachable.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))

	s.api = s.router.PathPrefix(Prefix).Subrouter()
	if deps.Auth != nil {
		s.api.Use(deps.Auth.Handler)
	}
	if deps.RateLimit != nil {
		s.api.Use(deps.RateLimit.Handler)
	}
	s.api.Use(deps.Guard.Middleware, httputil.MaxBytesMiddleware(deps.MaxBodyBytes))

	s.setupRoutes()

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(deps.Logger),
		httputil.RecoveryMiddleware(deps.Logger),
	)
	s.handler = otelhttp.NewHandler(chain(s.router), "helpme.api")
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	d := s.deps

	s.RegisterRoutes(NewAlertHandlers(d.Alerts, d.Logger))
	s.RegisterRoutes(NewUnreadHandlers(d.Unread))
	s.RegisterRoutes(NewQuestionHandlers(d.Questions))
	s.RegisterRoutes(NewDocumentHandlers(d.Alerts, d.Resolver, d.Publisher, d.Logger))
	s.RegisterRoutes(NewCheckinHandlers(d.Checkin))
	s.RegisterRoutes(NewMemberHandlers(d.Memberships))
	s.RegisterRoutes(NewMeHandlers())
	if d.Notify != nil {
		s.RegisterRoutes(NewNotificationHandlers(d.Notify))
	}
}

// RegisterRoutes registers routes from a RouteRegistrar under the API prefix
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.api)
}

// Router exposes the root router so binaries can mount extra endpoints
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// DefaultPolicy returns the role requirements of every API route
func DefaultPolicy() *guard.Policy {
	enrolled := guard.Course(auth.CourseRoleStudent, auth.CourseRoleTA, auth.CourseRoleProfessor)
	staff := guard.Course(auth.CourseRoleTA, auth.CourseRoleProfessor)
	professor := guard.Course(auth.CourseRoleProfessor)
	admin := guard.Org(auth.OrgRoleAdmin)

	p := guard.NewPolicy()
	for name, req := range map[string]guard.Requirement{
		RouteAlertsList:         enrolled,
		RouteAlertsRead:         enrolled,
		RouteUnreadGet:          enrolled,
		notify.SnapshotRoute:    enrolled,
		RouteNotificationsWS:    guard.Open(),
		RouteQuestionsCreate:    enrolled,
		RouteQuestionsGet:       enrolled,
		RouteQuestionsUpdate:    enrolled,
		RouteQuestionsDelete:    enrolled,
		RouteQuestionsComment:   enrolled,
		RouteDocumentsProcessed: staff,
		RouteCheckinStart:       staff,
		RouteCheckinEnd:         staff,
		RouteMembersEnroll:      professor,
		RouteMembersUpdate:      professor,
		RouteMembersRemove:      professor,
		RouteOrgMembersAdd:      admin,
		RouteOrgMembersRemove:   admin,
		RouteMeRoles:            guard.Open(),
	} {
		p.Register(name, req)
	}
	return p
}
