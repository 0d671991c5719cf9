package guard

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/contextkeys"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/roles"
)

// Decision is the outcome of one evaluation
type Decision string

const (
	Permit Decision = "permit"

	// Deny reasons. They are logged and counted but never sent to the caller.
	DenyNoPolicy      Decision = "deny_no_policy"
	DenyBadTarget     Decision = "deny_bad_target"
	DenyInsufficient  Decision = "deny_insufficient_role"
	DenyUnknownCaller Decision = "deny_unknown_caller"
)

// Allowed reports whether d lets the request through
func (d Decision) Allowed() bool {
	return d == Permit
}

// Guard evaluates route requirements against resolved roles
type Guard struct {
	policy   *Policy
	resolver roles.Resolver
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// New creates a guard. metrics may be nil.
func New(policy *Policy, resolver roles.Resolver, logger *observability.Logger, metrics *observability.Metrics) *Guard {
	return &Guard{
		policy:   policy,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
	}
}

// Policy returns the side table the guard reads
func (g *Guard) Policy() *Policy {
	return g.policy
}

// Evaluate decides whether userID may use route for target. wellFormed is
// the second result of ExtractTarget. A missing user yields
// DenyUnknownCaller; other resolver failures are returned as errors.
func (g *Guard) Evaluate(ctx context.Context, userID int64, route string, target roles.Target, wellFormed bool) (Decision, roles.Roles, error) {
	ctx, span := observability.Tracer().Start(ctx, "guard.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("helpme.route", route))

	decision, resolved, err := g.evaluate(ctx, userID, route, target, wellFormed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "role resolution failed")
		return decision, resolved, err
	}

	span.SetAttributes(attribute.String("helpme.decision", string(decision)))
	g.metrics.GuardDecision(route, string(decision))
	return decision, resolved, nil
}

func (g *Guard) evaluate(ctx context.Context, userID int64, route string, target roles.Target, wellFormed bool) (Decision, roles.Roles, error) {
	req, ok := g.policy.Lookup(route)
	if !ok || route == "" {
		return DenyNoPolicy, roles.Roles{}, nil
	}

	if !wellFormed {
		if req.IsOpen() {
			target = roles.Target{}
		} else {
			return DenyBadTarget, roles.Roles{}, nil
		}
	}

	resolved, err := g.resolver.Resolve(ctx, userID, target)
	if apperr.IsNotFound(err) {
		return DenyUnknownCaller, roles.Roles{}, nil
	}
	if err != nil {
		return DenyInsufficient, roles.Roles{}, err
	}

	if !req.Permits(resolved) {
		return DenyInsufficient, resolved, nil
	}
	return Permit, resolved, nil
}

// AuthorizeRoute applies the policy entry of route to an explicit target,
// for checks made outside HTTP routing such as a websocket subscribe. A
// denial is an Authorization error and an unknown caller an Authentication
// error.
func (g *Guard) AuthorizeRoute(ctx context.Context, userID int64, route string, target roles.Target) (roles.Roles, error) {
	decision, resolved, err := g.Evaluate(ctx, userID, route, target, true)
	if err != nil {
		return roles.Roles{}, err
	}
	switch decision {
	case Permit:
		return resolved, nil
	case DenyUnknownCaller:
		return roles.Roles{}, apperr.Unauthenticated("guard.AuthorizeRoute")
	default:
		return roles.Roles{}, apperr.Forbidden("guard.AuthorizeRoute")
	}
}

// Middleware enforces the policy on every routed request. It must run after
// authentication: a request without an identity is answered with 401, a
// denial with a generic 403.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, _ := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
		userID := authCtx.UserID()
		if userID == 0 {
			httputil.WriteUnauthorized(w)
			return
		}

		route := ""
		if current := mux.CurrentRoute(r); current != nil {
			route = current.GetName()
		}
		target, wellFormed := TargetFromRequest(r)

		decision, resolved, err := g.Evaluate(r.Context(), userID, route, target, wellFormed)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).
				WithField("route", route).
				Error("role resolution failed")
			httputil.WriteInternalError(w)
			return
		}

		switch {
		case decision == DenyUnknownCaller:
			httputil.WriteUnauthorized(w)
			return
		case !decision.Allowed():
			g.logger.WithFields(map[string]interface{}{
				"route":    route,
				"user_id":  userID,
				"decision": string(decision),
			}).Debug("request denied")
			httputil.WriteForbidden(w)
			return
		}

		ctx := contextkeys.WithRoles(r.Context(), resolved)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RolesFromContext returns the roles resolved by Middleware
func RolesFromContext(ctx context.Context) (roles.Roles, bool) {
	r, ok := ctx.Value(contextkeys.RolesKey).(roles.Roles)
	return r, ok
}
