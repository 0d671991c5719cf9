package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/helpme/helpme/pkg/apperr"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/contextkeys"
	"github.com/helpme/helpme/pkg/httputil"
	"github.com/helpme/helpme/pkg/observability"
)

// TokenValidator resolves a bearer token to the caller
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.AuthContext, error)
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	validator TokenValidator
	logger    *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(validator TokenValidator, logger *observability.Logger) *AuthMiddleware {
	return &AuthMiddleware{validator: validator, logger: logger}
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
// Browsers cannot set headers on a websocket handshake, so upgrade requests
// may pass it as the access_token query parameter instead.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httputil.WriteUnauthorized(w)
			return
		}

		authCtx, err := m.validator.ValidateToken(r.Context(), token)
		if err != nil {
			if apperr.KindOf(err) == apperr.Authentication {
				httputil.WriteUnauthorized(w)
				return
			}
			m.logger.WithError(err).Error("failed to validate token")
			httputil.WriteInternalError(w)
			return
		}

		userID := strconv.FormatInt(authCtx.UserID(), 10)
		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithUserID(ctx, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, _ := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	return authCtx
}
