// Package httpapi exposes the console session over HTTP and, for demos and
// tests, serves the identity and tenant endpoints the console consumes.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"tenantly.dev/internal/audit"
	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/auth/rest"
	"tenantly.dev/internal/obs"
	"tenantly.dev/internal/session"
)

// ReadyChecker reports whether the process can serve traffic.
type ReadyChecker interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadyChecker.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error { return f(ctx) }

// Config wires an API.
type Config struct {
	Session *session.Coordinator
	Views   map[string]View
	Ready   ReadyChecker
	Version string
}

// API is the console's local HTTP surface.
type API struct {
	mux     *http.ServeMux
	sess    *session.Coordinator
	views   map[string]View
	ready   ReadyChecker
	version string
}

func New(cfg Config) *API {
	a := &API{
		mux:     http.NewServeMux(),
		sess:    cfg.Session,
		views:   cfg.Views,
		ready:   cfg.Ready,
		version: cfg.Version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("GET /v1/session", a.getSession)
	a.mux.HandleFunc("GET /v1/session/events", a.sessionEvents)
	a.mux.HandleFunc("POST /v1/session/login", a.login)
	a.mux.HandleFunc("POST /v1/session/register", a.register)
	a.mux.HandleFunc("POST /v1/session/logout", a.logout)
	a.mux.HandleFunc("POST /v1/session/tenant", a.selectTenant)
	a.mux.HandleFunc("POST /v1/session/refresh", a.refresh)
	a.mux.HandleFunc("GET /v1/views/{name}", a.getView)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return a
}

// Handler returns the mux without middleware; see Chain.
func (a *API) Handler() http.Handler {
	return a.mux
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "console",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// SessionView is the JSON form of session.State.
type SessionView struct {
	Authenticated bool                    `json:"authenticated"`
	User          *auth.User              `json:"user"`
	Tenants       []auth.TenantMembership `json:"tenants"`
	CurrentTenant *auth.TenantMembership  `json:"current_tenant"`
	Loading       bool                    `json:"loading"`
	Error         string                  `json:"error,omitempty"`
	At            time.Time               `json:"at"`
}

// NewSessionView converts a state snapshot.
func NewSessionView(st session.State) SessionView {
	tenants := st.Tenants
	if tenants == nil {
		tenants = []auth.TenantMembership{}
	}
	return SessionView{
		Authenticated: st.Authenticated(),
		User:          st.User,
		Tenants:       tenants,
		CurrentTenant: st.CurrentTenant,
		Loading:       st.Loading,
		Error:         st.Error,
		At:            time.Now().UTC(),
	}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type registerRequest struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tenantRequest struct {
	TenantID string `json:"tenant_id"`
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewSessionView(a.sess.State()))
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.sess.SignIn(r.Context(), auth.Credentials{Identifier: req.Identifier, Password: req.Password})
	a.respond(w, r, err)
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.sess.SignUp(r.Context(), session.SignUpInput{
		FullName: req.FullName,
		Phone:    req.Phone,
		Email:    req.Email,
		Password: req.Password,
	})
	a.respond(w, r, err)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	err := a.sess.SignOut(r.Context())
	if err != nil {
		// Local state is cleared regardless; report and move on.
		logger := obs.Logger()
		logger.Warn().Err(err).Str("request_id", audit.RequestIDFromContext(r.Context())).Msg("remote logout failed")
	}
	a.respond(w, r, nil)
}

func (a *API) selectTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id is required")
		return
	}
	a.respond(w, r, a.sess.SelectTenant(r.Context(), req.TenantID))
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, a.sess.RefreshUser(r.Context()))
}

// respond writes the session after an operation, or the mapped error.
func (a *API) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		code := rest.StatusForError(err)
		switch {
		case errors.Is(err, rest.ErrThrottled):
			code = http.StatusTooManyRequests
		case errors.Is(err, rest.ErrUnavailable):
			code = http.StatusBadGateway
		}
		writeError(w, r, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NewSessionView(a.sess.State()))
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
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
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
