package httpapi

import (
	"errors"
	"net/http"
	"time"

	"rosterhq.org/internal/audit"
	"rosterhq.org/internal/identity"
	"rosterhq.org/internal/membership"
	"rosterhq.org/internal/tenantctx"
)

type sessionResponse struct {
	PrincipalID    string               `json:"principal_id"`
	SessionID      string               `json:"session_id"`
	Assurance      string               `json:"assurance"`
	Tenant         membership.TenantRef `json:"tenant"`
	EffectiveRoles []string             `json:"effective_roles"`
	ContextExpires time.Time            `json:"context_expires_at"`
}

type switchContextRequest struct {
	ClubID     string `json:"club_id"`
	FacilityID string `json:"facility_id"`
}

type switchContextResponse struct {
	Tenant    membership.TenantRef `json:"tenant"`
	Marker    string               `json:"context_marker"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// resolveTenant validates the caller-presented context marker. Membership is
// re-checked on every call; a stale marker never leaks capabilities.
func (a *API) resolveTenant(w http.ResponseWriter, r *http.Request, principal identity.Principal) (tenantctx.TenantContext, bool) {
	tctx, err := a.contexts.Resolve(r.Context(), principal.ID, nil, r.Header.Get(tenantHeader))
	if err != nil {
		if errors.Is(err, tenantctx.ErrNoMembership) {
			writeError(w, r, http.StatusForbidden, "tenant context invalid")
		} else {
			writeError(w, r, http.StatusInternalServerError, "context resolution failed")
		}
		return tenantctx.TenantContext{}, false
	}
	return tctx, true
}

func (a *API) requirePrincipal(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return identity.Principal{}, false
	}
	return principal, true
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
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
	roles, err := a.resolver.EffectiveRoles(r.Context(), principal.ID, tctx.Tenant)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "role resolution failed")
		return
	}
	level, err := a.assurance.Level(r.Context(), principal)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "assurance resolution failed")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		PrincipalID:    principal.ID,
		SessionID:      principal.SessionID,
		Assurance:      string(level),
		Tenant:         tctx.Tenant,
		EffectiveRoles: roles,
		ContextExpires: tctx.ExpiresAt,
	})
}

func (a *API) handleContextSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req switchContextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenant := membership.TenantRef{ClubID: req.ClubID, FacilityID: req.FacilityID}
	tctx, err := a.contexts.Switch(r.Context(), principal.ID, tenant)
	if err != nil {
		if errors.Is(err, tenantctx.ErrNoMembership) {
			writeError(w, r, http.StatusForbidden, "tenant context invalid")
		} else {
			writeError(w, r, http.StatusInternalServerError, "context switch failed")
		}
		return
	}
	a.emitter.Record(r.Context(), audit.Record{
		ActorID:    principal.ID,
		Action:     audit.ActionContextSwitched,
		TargetType: "tenant",
		TargetID:   tenant.ClubID,
		TenantID:   tenant.ClubID,
		Metadata:   map[string]string{"facility_id": tenant.FacilityID},
	})
	w.Header().Set(tenantHeader, tctx.Marker)
	writeJSON(w, http.StatusOK, switchContextResponse{
		Tenant:    tctx.Tenant,
		Marker:    tctx.Marker,
		ExpiresAt: tctx.ExpiresAt,
	})
}
