package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"tenantly.dev/internal/audit"
	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/auth/rest"
	"tenantly.dev/internal/backend"
	"tenantly.dev/internal/obs"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// IdentityServer serves the identity endpoints from an auth.Directory, plus
// the tenant views from a DemoData. It stands in for the real backend in
// demo mode and in tests.
type IdentityServer struct {
	mux      *http.ServeMux
	dir      *auth.Directory
	data     *DemoData
	upgrader websocket.Upgrader
}

// NewIdentityServer builds the handler. data may be nil to serve identity
// endpoints only.
func NewIdentityServer(dir *auth.Directory, data *DemoData) *IdentityServer {
	s := &IdentityServer{
		mux:  http.NewServeMux(),
		dir:  dir,
		data: data,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.mux.HandleFunc("POST "+rest.PathLogin, s.login)
	s.mux.HandleFunc("POST "+rest.PathRegister, s.register)
	s.mux.HandleFunc("POST "+rest.PathLogout, s.withSession(s.logout))
	s.mux.HandleFunc("GET "+rest.PathMe, s.withSession(s.me))
	s.mux.HandleFunc("POST "+rest.PathTenant, s.withSession(s.selectTenant))
	s.mux.HandleFunc("GET "+rest.PathEvents, s.withSession(s.events))
	s.mux.HandleFunc("GET /v1/tenants/{tenant}/{view}", s.withSession(s.tenantView))
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return s
}

func (s *IdentityServer) Handler() http.Handler {
	return s.mux
}

func (s *IdentityServer) login(w http.ResponseWriter, r *http.Request) {
	var req rest.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, user, err := s.dir.Authenticate(r.Context(), req.Identifier, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithUser(r.Context(), user.ID), "identity.session.opened", nil)
	if s.data != nil {
		for _, m := range user.Tenants {
			s.data.RecordActivity(m.ID, user.ID, audit.SessionLogin, "")
		}
	}
	writeJSON(w, http.StatusOK, rest.LoginResponse{Token: token, User: user})
}

func (s *IdentityServer) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegistrationFields
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := s.dir.Register(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *IdentityServer) logout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if err := s.dir.Revoke(r.Context(), token); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *IdentityServer) me(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	user, err := s.dir.Resolve(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *IdentityServer) selectTenant(w http.ResponseWriter, r *http.Request) {
	var req rest.SelectTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	if err := s.dir.SelectTenant(r.Context(), token, req.TenantID); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.data != nil {
		userID, _ := auth.UserIDFromContext(r.Context())
		s.data.RecordActivity(req.TenantID, userID, "tenant.selected", req.TenantID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// events pushes the user's identity events over a websocket.
func (s *IdentityServer) events(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	feed := s.dir.Subscribe(ctx, userID)

	// Reader: detect client close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case evt, ok := <-feed:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *IdentityServer) tenantView(w http.ResponseWriter, r *http.Request) {
	if s.data == nil {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	tenantID := r.PathValue("tenant")
	token, _ := auth.TokenFromContext(r.Context())
	user, err := s.dir.Resolve(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := user.Membership(tenantID); !ok {
		writeError(w, r, http.StatusForbidden, "not a member of tenant")
		return
	}
	var body any
	switch r.PathValue("view") {
	case backend.ViewBilling:
		body = s.data.Billing(tenantID)
	case backend.ViewApps:
		body = s.data.Apps(tenantID)
	case backend.ViewActivity:
		body = s.data.Activity(tenantID)
	default:
		writeError(w, r, http.StatusNotFound, "unknown view")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// fail maps err to a status; unexpected failures are logged.
func (s *IdentityServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := rest.StatusForError(err)
	if code >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		logger := obs.Logger()
		logger.Error().Err(err).Str("request_id", audit.RequestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("identity server error")
	}
	writeError(w, r, code, err.Error())
}
