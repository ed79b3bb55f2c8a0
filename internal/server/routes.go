package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukahq/billing/internal/api"
	"github.com/dukahq/billing/internal/auth"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Handlers *api.Handlers
	Tokens   *auth.TokenManager
	AdminKey string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	h := deps.Handlers

	tenantAuth := func(next http.Handler) http.Handler {
		return api.RequireTenant(deps.Tokens, next)
	}
	adminAuth := func(next http.Handler) http.Handler {
		return api.RequireAdmin(deps.Tokens, deps.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", api.HandleHealthz)
	mux.Handle("/readyz", api.HandleReadyz(h.Store))
	mux.Handle("/metrics", promhttp.Handler())

	// Paystack webhook (signature-authenticated)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/webhooks/paystack", webhookLimiter.Middleware(http.HandlerFunc(h.HandlePaystackWebhook)))

	// Credential endpoints share a tighter limiter.
	loginLimiter := NewRateLimiter(20, time.Minute)
	mux.Handle("/api/auth/signup", loginLimiter.Middleware(http.HandlerFunc(h.HandleSignup)))
	mux.Handle("/api/auth/login", loginLimiter.Middleware(http.HandlerFunc(h.HandleLogin)))
	mux.Handle("/api/admin/login", loginLimiter.Middleware(http.HandlerFunc(h.HandleAdminLogin)))

	// Tenant API (bearer-token authenticated)
	mux.Handle("/api/subscription/status", tenantAuth(http.HandlerFunc(h.HandleSubscriptionStatus)))
	mux.Handle("/api/subscription/branches", tenantAuth(http.HandlerFunc(h.HandleAvailableBranches)))
	mux.Handle("/api/subscription/plans", tenantAuth(http.HandlerFunc(h.HandlePlans)))
	mux.Handle("/api/subscription/initialize", tenantAuth(http.HandlerFunc(h.HandleInitialize)))

	// Clients poll verify while the customer sits on the gateway page.
	verifyLimiter := NewRateLimiter(60, time.Minute)
	mux.Handle("/api/subscription/verify", verifyLimiter.Middleware(tenantAuth(http.HandlerFunc(h.HandleVerify))))
	mux.Handle("/api/subscription/branches/add", tenantAuth(http.HandlerFunc(h.HandleAddBranches)))
	mux.Handle("/api/subscription/branches/{id}/cancel", tenantAuth(http.HandlerFunc(h.HandleCancelBranch)))
	mux.Handle("/api/subscription/branches/{id}/reactivate", tenantAuth(http.HandlerFunc(h.HandleReactivateBranch)))
	mux.Handle("/api/subscription/upgrade/preview", tenantAuth(http.HandlerFunc(h.HandleUpgradePreview)))
	mux.Handle("/api/subscription/upgrade", tenantAuth(http.HandlerFunc(h.HandleUpgrade)))

	branchCollection := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.HandleListBranches(w, r)
		case http.MethodPost:
			h.HandleCreateBranch(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	branch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			h.HandleDeleteBranch(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.Handle("/api/branches", tenantAuth(branchCollection))
	mux.Handle("/api/branches/{id}", tenantAuth(branch))

	// Live status push; the token rides the query string during the upgrade.
	mux.Handle("/api/ws", tenantAuth(http.HandlerFunc(h.HandleWS)))

	// Admin API (admin JWT or X-Admin-Key authenticated)
	mux.Handle("/api/admin/tenants", adminAuth(http.HandlerFunc(h.HandleAdminListTenants)))
	mux.Handle("/api/admin/tenants/unsubscribed", adminAuth(http.HandlerFunc(h.HandleAdminUnsubscribed)))
	mux.Handle("/api/admin/tenants/{id}/block", adminAuth(http.HandlerFunc(h.HandleBlockTenant)))
	mux.Handle("/api/admin/tenants/{id}/unblock", adminAuth(http.HandlerFunc(h.HandleUnblockTenant)))
	mux.Handle("/api/admin/tenants/{id}/revoke-subscription", adminAuth(http.HandlerFunc(h.HandleRevokeSubscription)))
	mux.Handle("/api/admin/activity-logs", adminAuth(http.HandlerFunc(h.HandleActivityLogs)))

	adminUsers := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.HandleListAdminUsers(w, r)
		case http.MethodPost:
			h.HandleCreateAdminUser(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	adminUser := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			h.HandleDeleteAdminUser(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.Handle("/api/admin/users", adminAuth(adminUsers))
	mux.Handle("/api/admin/users/{id}", adminAuth(adminUser))
	mux.Handle("/api/admin/users/{id}/reset-password", adminAuth(http.HandlerFunc(h.HandleResetAdminPassword)))
}
