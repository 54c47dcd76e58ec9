package httpapi

import (
	"net/http"
	"strings"
	"time"

	"rosterhq.org/internal/ability"
)

type createGrantRequest struct {
	GranteeID string   `json:"grantee_id"`
	Roles     []string `json:"roles"`
	Duration  string   `json:"duration"`
	Reason    string   `json:"reason"`
}

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createGrant(w, r)
	case http.MethodGet:
		a.listGrants(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/grants/"), "/")
	if path == "" || !strings.HasSuffix(path, "/revoke") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := strings.TrimSuffix(strings.TrimSuffix(path, "/revoke"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.revokeGrant(w, r, id)
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	tctx, ok := a.resolveTenant(w, r, principal)
	if !ok {
		return
	}
	allowed, err := a.resolver.Can(r.Context(), principal, tctx.Tenant, ability.ActionGrantsCreate)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization failed")
		return
	}
	if !allowed {
		writeForbidden(w, r)
		return
	}

	var req createGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	duration, err := time.ParseDuration(strings.TrimSpace(req.Duration))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "duration must be a Go duration string, e.g. 24h")
		return
	}
	grant, err := a.grants.Create(r.Context(), principal.ID, req.GranteeID, tctx.Tenant, req.Roles, duration, req.Reason)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/grants/"+grant.ID)
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	tctx, ok := a.resolveTenant(w, r, principal)
	if !ok {
		return
	}
	allowed, err := a.resolver.Can(r.Context(), principal, tctx.Tenant, ability.ActionGrantsRevoke)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization failed")
		return
	}
	if !allowed {
		writeForbidden(w, r)
		return
	}
	if err := a.grants.Revoke(r.Context(), principal.ID, id, tctx.Tenant); err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "revoked": true})
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	tctx, ok := a.resolveTenant(w, r, principal)
	if !ok {
		return
	}
	allowed, err := a.resolver.Can(r.Context(), principal, tctx.Tenant, ability.ActionGrantsView)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization failed")
		return
	}
	if !allowed {
		writeForbidden(w, r)
		return
	}
	list, err := a.grants.List(r.Context(), tctx.Tenant, 100)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": list})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	tctx, ok := a.resolveTenant(w, r, principal)
	if !ok {
		return
	}
	allowed, err := a.resolver.Can(r.Context(), principal, tctx.Tenant, ability.ActionAuditView)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization failed")
		return
	}
	if !allowed {
		writeForbidden(w, r)
		return
	}
	records, err := a.emitter.Recent(r.Context(), tctx.Tenant.ClubID, 100)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
