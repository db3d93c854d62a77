package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pulsegate/pkg/domain"
)

const (
	defaultSendQueueSize = 64
	defaultIdleTimeout   = 60 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultDrainGrace    = 2 * time.Second
)

// TokenVerifier resolves a bearer token to a principal.
type TokenVerifier interface {
	VerifyPrincipal(token string) (domain.Principal, error)
}

// HubConfig wires the connection manager's dependencies and tuning knobs.
type HubConfig struct {
	Verifier TokenVerifier
	Registry *Registry

	SendQueueSize int
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	DrainGrace    time.Duration
}

// Hub owns the lifecycle of every realtime connection: handshake,
// subscription tracking, outbound delivery, and teardown. One read and one
// write goroutine per connection; fan-out never blocks on a single slow
// connection.
type Hub struct {
	verifier TokenVerifier
	registry *Registry
	upgrader websocket.Upgrader

	queueSize    int
	idleTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	drainGrace   time.Duration

	mu       sync.Mutex
	conns    map[string]*conn
	lockdown atomic.Bool
}

// NewHub constructs a hub with defaults applied.
func NewHub(cfg HubConfig) *Hub {
	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	drainGrace := cfg.DrainGrace
	if drainGrace <= 0 {
		drainGrace = defaultDrainGrace
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Hub{
		verifier: cfg.Verifier,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser front-ends are served from separate origins; bearer
			// auth happens after the upgrade, not via cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		queueSize:    queueSize,
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
		pingInterval: idleTimeout * 9 / 10,
		drainGrace:   drainGrace,
		conns:        make(map[string]*conn),
	}
}

// Registry exposes the channel registry for the ingest dispatcher.
func (h *Hub) Registry() *Registry { return h.registry }

// ServeWS upgrades the request to a realtime connection. The token and
// workspace are taken from query parameters; a failed handshake closes the
// socket with a distinct close code before any subscription is possible.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	principal, err := h.verifier.VerifyPrincipal(token)
	if err != nil {
		slog.Warn("security_event",
			"event", "realtime.handshake",
			"outcome", "fail",
			"reason", "invalid_token",
			"ip", r.RemoteAddr,
		)
		h.rejectHandshake(ws, domain.CloseAuthFailure, "authentication failed")
		return
	}
	if workspace := strings.TrimSpace(r.URL.Query().Get("workspace")); workspace != "" && workspace != principal.WorkspaceID {
		slog.Warn("security_event",
			"event", "realtime.handshake",
			"outcome", "fail",
			"reason", "workspace_mismatch",
			"user_id", principal.UserID,
			"workspace_id", principal.WorkspaceID,
		)
		h.rejectHandshake(ws, domain.CloseTenantMismatch, "workspace does not match token")
		return
	}
	if h.lockdown.Load() {
		h.rejectHandshake(ws, domain.CloseSlowConsumer, "gateway not accepting connections")
		return
	}

	c := &conn{
		id:        uuid.NewString(),
		principal: principal,
		hub:       h,
		ws:        ws,
		send:      make(chan Frame, h.queueSize),
		errs:      make(chan Frame, 8),
		closing:   make(chan struct{}),
		channels:  make(map[string]struct{}),
	}
	c.state.Store(stateActive)
	// The credential that opened the connection bounds its lifetime. When
	// the token lapses the connection is torn down with the auth close
	// code; clients reconnect with a fresh token.
	if exp := principal.ExpiresAt; !exp.IsZero() {
		c.mu.Lock()
		c.authTimer = time.AfterFunc(time.Until(exp), func() {
			c.close(domain.CloseAuthFailure, "token expired")
		})
		c.mu.Unlock()
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	slog.Info("realtime connection opened",
		"connection_id", c.id,
		"user_id", principal.UserID,
		"workspace_id", principal.WorkspaceID,
	)
	go c.writeLoop()
	go c.readLoop()
}

// Lockdown makes the hub refuse new connections and new subscriptions.
// Entered when the change stream is lost: the gateway fails closed rather
// than holding subscriptions it can no longer serve.
func (h *Hub) Lockdown() {
	if h.lockdown.CompareAndSwap(false, true) {
		slog.Error("realtime hub entering lockdown, new subscriptions refused")
	}
}

func (h *Hub) lockedDown() bool { return h.lockdown.Load() }

// Shutdown closes every open connection with a normal closure and waits
// for teardown until the context expires.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	open := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()
	for _, c := range open {
		c.close(domain.CloseNormal, "server shutting down")
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		h.mu.Lock()
		remaining := len(h.conns)
		h.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) rejectHandshake(ws *websocket.Conn, code int, reason string) {
	_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = ws.Close()
}

func (h *Hub) forget(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	slog.Info("realtime connection closed", "connection_id", c.id)
}
