// Package server exposes the thin REST surface over the session
// orchestrator. The handlers only translate between HTTP and the
// controller's typed errors; no graph logic lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
	"github.com/netgroup-polito/frog4-service-layer/internal/session"
)

// SessionController is the slice of the session orchestrator the REST
// surface needs.
type SessionController interface {
	Put(ctx context.Context, user schemas.UserData, mac string) error
	Delete(ctx context.Context, user schemas.UserData, mac string) error
	Get(ctx context.Context, user schemas.UserData) (*schemas.GraphStatus, error)
}

// Authenticator resolves the caller's identity from the request. A failure
// maps to 401.
type Authenticator interface {
	Authenticate(r *http.Request) (*schemas.UserData, error)
}

// HeaderAuthenticator trusts the X-Auth-* headers the deployment's fronting
// proxy injects after authenticating the caller.
type HeaderAuthenticator struct{}

// Authenticate reads the caller identity headers.
func (HeaderAuthenticator) Authenticate(r *http.Request) (*schemas.UserData, error) {
	user := r.Header.Get("X-Auth-User")
	if user == "" {
		return nil, errors.New("missing X-Auth-User header")
	}
	return &schemas.UserData{
		UserID:   user,
		Username: user,
		Tenant:   r.Header.Get("X-Auth-Tenant"),
	}, nil
}

var _ Authenticator = HeaderAuthenticator{}

// putRequest is the instantiate/update payload. The session and device
// members are pointers so their absence is distinguishable from empty
// values; both are required.
type putRequest struct {
	Session *struct {
		Device *struct {
			MAC  string `json:"mac"`
			Port string `json:"port"`
		} `json:"device"`
	} `json:"session"`
}

type handler struct {
	ctrl SessionController
	auth Authenticator
	log  *zap.Logger
}

// NewRouter builds the service-layer REST router.
func NewRouter(ctrl SessionController, auth Authenticator, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{ctrl: ctrl, auth: auth, log: logger.Named("server")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Put("/service-layer", h.handlePut)
	r.Delete("/service-layer/{mac}", h.handleDelete)
	r.Get("/service-layer", h.handleGet)
	return r
}

func (h *handler) authenticate(w http.ResponseWriter, r *http.Request) *schemas.UserData {
	user, err := h.auth.Authenticate(r)
	if err != nil {
		h.log.Debug("Authentication failed", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}
	return user
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req putRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Session == nil || req.Session.Device == nil {
		writeError(w, http.StatusBadRequest, "request body must carry a session.device member")
		return
	}

	if err := h.ctrl.Put(r.Context(), *user, req.Session.Device.MAC); err != nil {
		h.writeControllerError(w, user.Username, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}

	mac := chi.URLParam(r, "mac")
	if err := h.ctrl.Delete(r.Context(), *user, mac); err != nil {
		h.writeControllerError(w, user.Username, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}

	status, err := h.ctrl.Get(r.Context(), *user)
	if err != nil {
		h.writeControllerError(w, user.Username, err)
		return
	}

	code := http.StatusAccepted
	if status.Status == "complete" {
		code = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.log.Error("Failed to write status response", zap.Error(err))
	}
}

func (h *handler) writeControllerError(w http.ResponseWriter, username string, err error) {
	switch {
	case errors.Is(err, schemas.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrUpstreamNotDeployed):
		h.log.Error("Request failed on a sequencing dependency",
			zap.String("user", username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.log.Error("Request failed", zap.String("user", username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Server wraps the HTTP listener with an ordered shutdown.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer builds the listener for the router.
func NewServer(listen string, router http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger.Named("server"),
	}
}

// Start serves until the listener is shut down. It blocks.
func (s *Server) Start() error {
	s.log.Info("REST surface listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
