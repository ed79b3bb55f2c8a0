package api

import (
	"net/http"

	"github.com/dukahq/billing/internal/auth"
	billingerrors "github.com/dukahq/billing/internal/errors"
	"github.com/dukahq/billing/internal/registry"
)

type signupRequest struct {
	BusinessName string `json:"business_name"`
	Subdomain    string `json:"subdomain"`
	OwnerEmail   string `json:"owner_email"`
	Password     string `json:"password"`
}

type signupResponse struct {
	Token      string           `json:"token"`
	Tenant     *registry.Tenant `json:"tenant"`
	MainBranch *registry.Branch `json:"main_branch"`
}

// HandleSignup registers a tenant with its main location, starts the
// trial, and returns a tenant token.
func (h *Handlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := auth.ValidatePasswordComplexity(req.Password); err != nil {
		writeError(w, billingerrors.Validationf("signup", "%v", err))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	tenant, main, err := h.Billing.RegisterTenant(req.BusinessName, req.Subdomain, req.OwnerEmail, hash)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := h.Tokens.IssueTenantToken(tenant.ID, tenant.OwnerEmail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, signupResponse{Token: token, Tenant: tenant, MainBranch: main})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string           `json:"token"`
	Tenant *registry.Tenant `json:"tenant"`
}

// HandleLogin authenticates a tenant owner and returns a tenant token.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	tenant, err := h.Billing.AuthenticateTenant(req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.Tokens.IssueTenantToken(tenant.ID, tenant.OwnerEmail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Tenant: tenant})
}

type adminLoginResponse struct {
	Token string              `json:"token"`
	Admin *registry.AdminUser `json:"admin"`
}

// HandleAdminLogin authenticates a platform admin and returns an admin
// token. Successful logins land in the activity log.
func (h *Handlers) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	admin, err := h.Billing.AuthenticateAdmin(req.Email, req.Password, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.Tokens.IssueAdminToken(admin.ID, admin.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminLoginResponse{Token: token, Admin: admin})
}
