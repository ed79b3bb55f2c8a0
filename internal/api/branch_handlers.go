package api

import (
	"net/http"

	"github.com/dukahq/billing/internal/registry"
)

type branchListResponse struct {
	Branches []*registry.Branch `json:"branches"`
	Count    int                `json:"count"`
}

// HandleListBranches lists the tenant's branches, main location first.
func (h *Handlers) HandleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.Billing.ListBranches(TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if branches == nil {
		branches = []*registry.Branch{}
	}
	writeJSON(w, http.StatusOK, branchListResponse{Branches: branches, Count: len(branches)})
}

type createBranchRequest struct {
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
}

// HandleCreateBranch adds an unpaid branch under the tenant's branch
// limit.
func (h *Handlers) HandleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req createBranchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	branch, err := h.Billing.CreateBranch(TenantID(r.Context()), req.Name, req.Subdomain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

// HandleDeleteBranch removes a branch. The main location and branches
// that ever held a paid subscription stay.
func (h *Handlers) HandleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	if err := h.Billing.DeleteBranch(TenantID(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
