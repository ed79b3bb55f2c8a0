package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/dukahq/billing/internal/auth"
	billingerrors "github.com/dukahq/billing/internal/errors"
)

type contextKey string

const (
	ctxTenantID   contextKey = "tenant_id"
	ctxAdminActor contextKey = "admin_actor"
)

// actorMasterKey is the audit actor recorded for requests authenticated
// with the static admin key instead of a personal admin token.
const actorMasterKey = "master-key"

// TenantID returns the authenticated tenant from the request context.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(ctxTenantID).(string)
	return id
}

// AdminActor returns the authenticated admin identity (email or
// "master-key") from the request context.
func AdminActor(ctx context.Context) string {
	actor, _ := ctx.Value(ctxAdminActor).(string)
	return actor
}

// bearerToken pulls the access token from the Authorization header, or
// from the token query parameter for websocket upgrades where browsers
// cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// RequireTenant authenticates tenant-scoped routes and stores the
// tenant ID in the request context.
func RequireTenant(tokens *auth.TokenManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		claims, err := tokens.VerifyToken(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if claims.Role != auth.RoleTenant || claims.TenantID == "" {
			writeError(w, billingerrors.Unauthorizedf("authorize request", "tenant access required"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxTenantID, claims.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin authenticates the admin surface. Accepts the static
// X-Admin-Key (also as a bearer token) or an admin JWT, and stores the
// acting identity in the request context for audit entries.
func RequireAdmin(tokens *auth.TokenManager, adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(r.Header.Get("X-Admin-Key")); key != "" {
			if adminKey == "" || key != adminKey {
				writeError(w, billingerrors.Unauthorizedf("authorize request", "invalid admin key"))
				return
			}
			ctx := context.WithValue(r.Context(), ctxAdminActor, actorMasterKey)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		if adminKey != "" && token == adminKey {
			ctx := context.WithValue(r.Context(), ctxAdminActor, actorMasterKey)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		claims, err := tokens.VerifyToken(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if claims.Role != auth.RoleAdmin {
			writeError(w, billingerrors.Unauthorizedf("authorize request", "admin access required"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxAdminActor, claims.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
