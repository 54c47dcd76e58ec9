package httpapi

import (
	"net/http"
	"strings"

	"rosterhq.org/internal/ability"
)

type confirmEnrollmentRequest struct {
	Code         string `json:"code"`
	FriendlyName string `json:"friendly_name"`
}

type challengeRequest struct {
	Code       string `json:"code"`
	BackupCode string `json:"backup_code"`
}

func (a *API) handleEnrollment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	enrollment, err := a.assurance.BeginEnrollment(r.Context(), principal.ID, "")
	if err != nil {
		handleAssuranceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollment)
}

func (a *API) handleEnrollmentConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req confirmEnrollmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	factor, backupCodes, err := a.assurance.ConfirmEnrollment(r.Context(), principal.ID, req.Code, req.FriendlyName)
	if err != nil {
		handleAssuranceError(w, r, err)
		return
	}
	// The plaintext backup codes appear in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"factor":       factor,
		"backup_codes": backupCodes,
	})
}

func (a *API) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.assurance.VerifyChallenge(r.Context(), principal, req.Code, req.BackupCode); err != nil {
		handleAssuranceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assurance": "elevated"})
}

func (a *API) handleFactorResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/mfa/factors/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	principal, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := a.assurance.Unenroll(r.Context(), principal.ID, principal.ID, id); err != nil {
		handleAssuranceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "removed": true})
}

// handleMemberMfaResource serves POST /v1/mfa/members/{id}/reset: a club
// owner wipes a member's factor so they can re-enroll after losing the
// device. A target outside the caller's tenant is reported as missing.
func (a *API) handleMemberMfaResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/mfa/members/"), "/")
	if path == "" || !strings.HasSuffix(path, "/reset") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := strings.TrimSuffix(strings.TrimSuffix(path, "/reset"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
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
	allowed, err := a.resolver.Can(r.Context(), principal, tctx.Tenant, ability.ActionMfaResetMember)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization failed")
		return
	}
	if !allowed {
		writeForbidden(w, r)
		return
	}
	member, err := a.resolver.MemberOf(r.Context(), id, tctx.Tenant)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization failed")
		return
	}
	if !member {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if err := a.assurance.ResetPrincipal(r.Context(), principal.ID, id, tctx.Tenant.ClubID); err != nil {
		handleAssuranceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal_id": id, "reset": true})
}
