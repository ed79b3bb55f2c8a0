package api

import (
	"net/http"

	"github.com/dukahq/billing/internal/audit"
	"github.com/dukahq/billing/internal/auth"
	"github.com/dukahq/billing/internal/billing"
	"github.com/dukahq/billing/internal/pricing"
	"github.com/dukahq/billing/internal/registry"
	"github.com/dukahq/billing/internal/wspush"
)

// Handlers holds the shared dependencies behind every HTTP endpoint.
type Handlers struct {
	Billing       *billing.Service
	Store         *registry.Store
	Pricing       *pricing.Table
	Tokens        *auth.TokenManager
	Audit         audit.Recorder
	Hub           *wspush.Hub
	WebhookSecret string
}

// HandleWS upgrades an authenticated tenant connection and registers it
// with the push hub.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.Hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "websocket hub unavailable"})
		return
	}
	h.Hub.HandleWebSocket(w, r, TenantID(r.Context()))
}

// HandleHealthz is the liveness probe.
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness once the store answers.
func HandleReadyz(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
