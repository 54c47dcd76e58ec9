// Package httpapi exposes the access-control core to the rest of the
// application. Every protected route resolves identity, tenant context and
// effective capabilities before acting, and every successful mutation emits
// exactly one audit record.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"rosterhq.org/internal/ability"
	"rosterhq.org/internal/assurance"
	"rosterhq.org/internal/audit"
	"rosterhq.org/internal/grants"
	"rosterhq.org/internal/obs"
	"rosterhq.org/internal/tenantctx"
)

// ReadyProbe reports readiness (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the access-control core.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	contexts  *tenantctx.Store
	grants    *grants.Service
	assurance *assurance.Service
	resolver  *ability.Resolver
	emitter   *audit.Emitter
}

// Deps carries the core services the API fronts.
type Deps struct {
	Contexts  *tenantctx.Store
	Grants    *grants.Service
	Assurance *assurance.Service
	Resolver  *ability.Resolver
	Emitter   *audit.Emitter
}

// New wires routes.
func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		contexts:   deps.Contexts,
		grants:     deps.Grants,
		assurance:  deps.Assurance,
		resolver:   deps.Resolver,
		emitter:    deps.Emitter,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/session", a.handleSession)
	a.mux.HandleFunc("/v1/context/switch", a.handleContextSwitch)
	a.mux.HandleFunc("/v1/grants", a.handleGrantsCollection)
	a.mux.HandleFunc("/v1/grants/", a.handleGrantResource)
	a.mux.HandleFunc("/v1/mfa/enrollment", a.handleEnrollment)
	a.mux.HandleFunc("/v1/mfa/enrollment/confirm", a.handleEnrollmentConfirm)
	a.mux.HandleFunc("/v1/mfa/challenge", a.handleChallenge)
	a.mux.HandleFunc("/v1/mfa/factors/", a.handleFactorResource)
	a.mux.HandleFunc("/v1/mfa/members/", a.handleMemberMfaResource)
	a.mux.HandleFunc("/v1/audit", a.handleAudit)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = obs.Instrument(h)
	h = Logging(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 50, 25)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}

// --- health and info ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "rosterhq-access",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "rosterhq-access",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeForbidden is the single denial shape for both insufficient role and
// insufficient assurance; callers learn nothing about which check failed.
func writeForbidden(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusForbidden, "forbidden")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func handleGrantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, grants.ErrInvalidInput),
		errors.Is(err, grants.ErrInvalidDuration),
		errors.Is(err, grants.ErrRoleNotGrantable):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, grants.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, grants.ErrAlreadyInactive):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "grant operation failed")
	}
}

func handleAssuranceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, assurance.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, assurance.ErrInvalidCode):
		writeError(w, r, http.StatusUnprocessableEntity, "code rejected")
	case errors.Is(err, assurance.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "factor not found")
	case errors.Is(err, assurance.ErrFactorExists),
		errors.Is(err, assurance.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "mfa operation failed")
	}
}
