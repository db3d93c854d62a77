package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pulsegate/internal/identity"
	"pulsegate/internal/ratelimit"
	"pulsegate/internal/servicetoken"
	"pulsegate/internal/usertoken"
	"pulsegate/internal/util"
	"pulsegate/pkg/domain"
	"pulsegate/pkg/ingest"
	"pulsegate/pkg/presign"
	"pulsegate/pkg/realtime"
	"pulsegate/pkg/storage"
)

const listRetryAttempts = 3

// Config wires required dependencies for the HTTP server.
type Config struct {
	Identity         *identity.Client
	TokenVerifier    *usertoken.Verifier
	CallbackVerifier *servicetoken.Verifier
	Issuer           *presign.Issuer
	Store            storage.ObjectStore
	Hub              *realtime.Hub
	Events           *ingest.Dispatcher

	RedisAddr                  string
	RedisPassword              string
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	TrustedProxies             *util.TrustedProxies
}

// Server exposes the gateway's HTTP surface.
type Server struct {
	identity         *identity.Client
	tokenVerifier    *usertoken.Verifier
	callbackVerifier *servicetoken.Verifier
	issuer           *presign.Issuer
	store            storage.ObjectStore
	hub              *realtime.Hub
	events           *ingest.Dispatcher
	mux              *http.ServeMux
	trustedProxies   *util.TrustedProxies
	registerLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter     *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "pulsegate:gateway:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		identity:         cfg.Identity,
		tokenVerifier:    cfg.TokenVerifier,
		callbackVerifier: cfg.CallbackVerifier,
		issuer:           cfg.Issuer,
		store:            cfg.Store,
		hub:              cfg.Hub,
		events:           cfg.Events,
		mux:              http.NewServeMux(),
		trustedProxies:   cfg.TrustedProxies,
		registerLimiter:  registerLimiter,
		loginLimiter:     loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("gateway", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth (delegated to the identity provider)
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)

	// workspace-scoped resources (auth required)
	s.mux.Handle("/api/storage/presign", s.authenticated(s.handlePresign))
	s.mux.Handle("/api/artifacts", s.authenticated(s.handleListArtifacts))

	// realtime
	s.mux.HandleFunc("/ws", s.hub.ServeWS)

	// data store change callback (service token required)
	s.mux.HandleFunc("/internal/events", s.handleChangeCallback)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, domain.Principal)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "gateway.token.verify", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		principal, err := s.tokenVerifier.VerifyPrincipal(token)
		if err != nil {
			s.audit(r, "gateway.token.verify", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.audit(r, "gateway.token.verify", "success", "user_id", principal.UserID, "workspace_id", principal.WorkspaceID)
		next(w, r, principal)
	})
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many register attempts") {
		s.audit(r, "gateway.register", "rate_limited")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "gateway.register", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, err := s.identity.Register(req.Email, req.Password, req.WorkspaceID)
	if err != nil {
		s.audit(r, "gateway.register", "fail", "reason", err.Error())
		writeIdentityError(w, err)
		return
	}
	s.audit(r, "gateway.register", "success", "user_id", session.User.ID)
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "gateway.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "gateway.login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, err := s.identity.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "gateway.login", "fail", "reason", err.Error())
		writeIdentityError(w, err)
		return
	}
	s.audit(r, "gateway.login", "success", "user_id", session.User.ID)
	writeJSON(w, http.StatusOK, session)
}

// handlePresign issues a time-limited signed URL grant scoped to the
// caller's workspace.
func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req presign.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = principal.WorkspaceID
	}
	grant, err := s.issuer.Issue(r.Context(), principal, req)
	if err != nil {
		if domain.HTTPStatus(err) == http.StatusForbidden {
			s.audit(r, "gateway.presign", "fail",
				"user_id", principal.UserID,
				"workspace_id", principal.WorkspaceID,
				"requested_workspace", req.WorkspaceID,
				"reason", "workspace_mismatch",
			)
		}
		writeDomainError(w, err)
		return
	}
	s.audit(r, "gateway.presign", "success",
		"user_id", principal.UserID,
		"workspace_id", principal.WorkspaceID,
		"key", grant.Key,
		"method", string(grant.Method),
	)
	writeJSON(w, http.StatusOK, grant)
}

// handleListArtifacts lists stored objects in the caller's workspace. The
// workspace filter comes from the verified token, never from the request.
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if requested := strings.TrimSpace(r.URL.Query().Get("workspace_id")); requested != "" && requested != principal.WorkspaceID {
		s.audit(r, "gateway.artifacts.list", "fail",
			"user_id", principal.UserID,
			"workspace_id", principal.WorkspaceID,
			"requested_workspace", requested,
			"reason", "workspace_mismatch",
		)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	artifacts, err := s.listWithRetry(r.Context(), principal.WorkspaceID+"/")
	if err != nil {
		slog.Error("list artifacts failed", "workspace_id", principal.WorkspaceID, "error", err)
		writeError(w, http.StatusBadGateway, "object storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": artifacts,
		"count": len(artifacts),
	})
}

// listWithRetry retries transient storage failures with a short backoff.
func (s *Server) listWithRetry(ctx context.Context, prefix string) ([]domain.Artifact, error) {
	var lastErr error
	for attempt := 0; attempt < listRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		artifacts, err := s.store.List(ctx, prefix)
		if err == nil {
			return artifacts, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// handleChangeCallback accepts committed change events pushed by the data
// store over HTTP. Callers authenticate with a short-lived service token,
// not a user token.
func (s *Server) handleChangeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.callbackVerifier == nil {
		writeError(w, http.StatusNotFound, "change callback not enabled")
		return
	}
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		s.audit(r, "gateway.callback.authorize", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	claims, err := s.callbackVerifier.Verify(token)
	if err != nil {
		s.audit(r, "gateway.callback.authorize", "fail", "reason", "invalid_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var event domain.ChangeEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.events.Handle(r.Context(), event); err != nil {
		writeDomainError(w, err)
		return
	}
	s.audit(r, "gateway.callback.event", "success",
		"issuer", claims.Issuer,
		"channel", event.Channel(),
		"operation", string(event.Operation),
	)
	w.WriteHeader(http.StatusAccepted)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	WorkspaceID string `json:"workspaceId"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Warn("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func writeIdentityError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*identity.APIError); ok {
		writeError(w, apiErr.Status, apiErr.Message)
		return
	}
	writeError(w, http.StatusBadGateway, "identity provider unavailable")
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
