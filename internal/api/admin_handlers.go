package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukahq/billing/internal/audit"
	billingerrors "github.com/dukahq/billing/internal/errors"
	"github.com/dukahq/billing/internal/registry"
)

const (
	defaultLogPageSize = 50
	maxLogPageSize     = 500
)

type tenantListResponse struct {
	Tenants []*registry.Tenant `json:"tenants"`
	Count   int                `json:"count"`
}

// HandleAdminListTenants lists every registered tenant.
func (h *Handlers) HandleAdminListTenants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tenants, err := h.Store.ListTenants()
	if err != nil {
		writeError(w, err)
		return
	}
	if tenants == nil {
		tenants = []*registry.Tenant{}
	}
	writeJSON(w, http.StatusOK, tenantListResponse{Tenants: tenants, Count: len(tenants)})
}

// HandleAdminUnsubscribed lists lapsed tenants with days-since-expiry
// and the past-grace flag, the collections worklist.
func (h *Handlers) HandleAdminUnsubscribed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tenants, err := h.Billing.UnsubscribedTenants()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants, "count": len(tenants)})
}

type blockTenantRequest struct {
	Reason string `json:"reason"`
}

// HandleBlockTenant cuts off a tenant regardless of payment state.
func (h *Handlers) HandleBlockTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	// Reason is optional; an empty body blocks without one.
	var req blockTenantRequest
	_ = json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit)).Decode(&req)

	tenant, err := h.Billing.BlockTenant(r.PathValue("id"), strings.TrimSpace(req.Reason), AdminActor(r.Context()), clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": tenant})
}

// HandleUnblockTenant lifts a manual block. Entitlement falls back to
// whatever the paid/trial state grants.
func (h *Handlers) HandleUnblockTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	tenant, err := h.Billing.UnblockTenant(r.PathValue("id"), AdminActor(r.Context()), clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": tenant})
}

// HandleRevokeSubscription expires every paid branch immediately.
func (h *Handlers) HandleRevokeSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	status, err := h.Billing.RevokeSubscription(r.PathValue("id"), AdminActor(r.Context()), clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleActivityLogs queries the audit trail. The action filter
// supports * wildcards, e.g. action=admin_user.*.
func (h *Handlers) HandleActivityLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	filter := audit.QueryFilter{
		Actor:      strings.TrimSpace(q.Get("actor")),
		Action:     strings.TrimSpace(q.Get("action")),
		TargetType: strings.TrimSpace(q.Get("target_type")),
		TargetID:   strings.TrimSpace(q.Get("target_id")),
	}

	limit, ok := queryInt(q.Get("limit"), defaultLogPageSize)
	if !ok {
		writeError(w, billingerrors.Validationf("query activity logs", "limit must be a non-negative integer"))
		return
	}
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}
	filter.Limit = limit

	offset, ok := queryInt(q.Get("offset"), 0)
	if !ok {
		writeError(w, billingerrors.Validationf("query activity logs", "offset must be a non-negative integer"))
		return
	}
	filter.Offset = offset

	entries, err := h.Audit.Query(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := h.Audit.Count(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": total})
}

func queryInt(raw string, fallback int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type createAdminUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleCreateAdminUser provisions a platform admin account.
func (h *Handlers) HandleCreateAdminUser(w http.ResponseWriter, r *http.Request) {
	var req createAdminUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	admin, err := h.Billing.CreateAdminUser(req.Email, req.Password, AdminActor(r.Context()), clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, admin)
}

// HandleListAdminUsers lists platform admin accounts.
func (h *Handlers) HandleListAdminUsers(w http.ResponseWriter, r *http.Request) {
	admins, err := h.Store.ListAdmins()
	if err != nil {
		writeError(w, err)
		return
	}
	if admins == nil {
		admins = []*registry.AdminUser{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"admins": admins, "count": len(admins)})
}

// HandleDeleteAdminUser removes an admin account. The last one stays.
func (h *Handlers) HandleDeleteAdminUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Billing.DeleteAdminUser(r.PathValue("id"), AdminActor(r.Context()), clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

// HandleResetAdminPassword replaces an admin's password.
func (h *Handlers) HandleResetAdminPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.Billing.ResetAdminPassword(r.PathValue("id"), req.Password, AdminActor(r.Context()), clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}
