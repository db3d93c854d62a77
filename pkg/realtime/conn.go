package realtime

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pulsegate/pkg/domain"
)

// Connection lifecycle: active -> closing -> closed. Transitions are
// one-way; closed is terminal. The handshake (upgrade, token check,
// workspace check) happens before a conn is constructed, so every conn
// starts active; a failed handshake never produces a conn at all.
const (
	stateActive int32 = iota
	stateClosing
	stateClosed
)

// Frame is the wire format exchanged with realtime clients.
// Client to server: subscribe / unsubscribe. Server to client: event / error.
type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameEvent       = "event"
	FrameError       = "error"
)

const maxInboundFrameBytes = 4096

type conn struct {
	id        string
	principal domain.Principal
	hub       *Hub
	ws        *websocket.Conn

	send chan Frame
	// errs carries rejection frames on a separate small queue so a full
	// event queue cannot swallow the error response a client is owed.
	errs    chan Frame
	closing chan struct{}
	state   atomic.Int32

	// mu guards channels and orders subscribe against teardown: Drop and
	// Subscribe for the same connection never interleave.
	mu        sync.Mutex
	channels  map[string]struct{}
	closeCode int
	closeText string
	authTimer *time.Timer
}

func (c *conn) ID() string { return c.id }

// Deliver queues an outbound event frame. Returns false when the send
// queue is full; the connection closes itself as a slow consumer so that
// fan-out to other subscribers is never blocked. Events delivered after
// the connection left the active state are dropped silently.
func (c *conn) Deliver(event domain.ChangeEvent) bool {
	if c.state.Load() != stateActive {
		return true
	}
	frame := Frame{
		Type:    FrameEvent,
		Channel: event.Channel(),
		Payload: json.RawMessage(event.Payload),
	}
	select {
	case c.send <- frame:
		return true
	default:
		slog.Warn("realtime slow consumer disconnected",
			"connection_id", c.id,
			"workspace_id", c.principal.WorkspaceID,
			"channel", frame.Channel,
		)
		c.close(domain.CloseSlowConsumer, "slow consumer")
		return false
	}
}

// close begins teardown. Idempotent: only the first caller wins the CAS.
// The connection is removed from every channel before the socket is
// released, so no delivery can reach it afterwards.
func (c *conn) close(code int, text string) {
	if !c.state.CompareAndSwap(stateActive, stateClosing) {
		return
	}
	c.mu.Lock()
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	c.channels = map[string]struct{}{}
	c.closeCode = code
	c.closeText = text
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.hub.registry.Drop(c, names)
	c.mu.Unlock()
	close(c.closing)
}

func (c *conn) subscribe(channel string) {
	workspace, ok := domain.ChannelWorkspace(channel)
	if !ok {
		c.sendError("invalid channel name")
		return
	}
	if workspace != c.principal.WorkspaceID {
		slog.Warn("security_event",
			"event", "realtime.subscribe",
			"outcome", "fail",
			"reason", "workspace_mismatch",
			"connection_id", c.id,
			"workspace_id", c.principal.WorkspaceID,
			"channel", channel,
		)
		c.sendError("forbidden: channel belongs to another workspace")
		return
	}
	if c.hub.lockedDown() {
		c.sendError("overloaded: not accepting new subscriptions")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() != stateActive {
		return
	}
	c.channels[channel] = struct{}{}
	c.hub.registry.Subscribe(channel, c)
}

func (c *conn) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return
	}
	delete(c.channels, channel)
	c.hub.registry.Unsubscribe(channel, c)
}

func (c *conn) sendError(reason string) {
	select {
	case c.errs <- Frame{Type: FrameError, Reason: reason}:
	default:
		slog.Warn("realtime error frame dropped",
			"connection_id", c.id,
			"reason", reason,
		)
	}
}

func (c *conn) readLoop() {
	defer c.close(domain.CloseNormal, "")
	c.ws.SetReadLimit(maxInboundFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.close(domain.CloseIdleTimeout, "idle timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.idleTimeout))
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("invalid frame")
			continue
		}
		switch frame.Type {
		case FrameSubscribe:
			c.subscribe(frame.Channel)
		case FrameUnsubscribe:
			c.unsubscribe(frame.Channel)
		default:
			c.sendError("unknown frame type")
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.errs:
			if !c.writeFrame(frame) {
				c.close(domain.CloseNormal, "")
				c.finish()
				return
			}
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				c.close(domain.CloseNormal, "")
				c.finish()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(domain.CloseNormal, "")
				c.finish()
				return
			}
		case <-c.closing:
			c.drain()
			c.finish()
			return
		}
	}
}

// drain flushes queued frames best-effort within the grace period before
// the close frame goes out.
func (c *conn) drain() {
	deadline := time.Now().Add(c.hub.drainGrace)
	for {
		select {
		case frame := <-c.errs:
			if time.Now().After(deadline) || !c.writeFrame(frame) {
				return
			}
		case frame := <-c.send:
			if time.Now().After(deadline) || !c.writeFrame(frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) finish() {
	c.mu.Lock()
	code, text := c.closeCode, c.closeText
	c.mu.Unlock()
	if code == 0 {
		code = domain.CloseNormal
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	_ = c.ws.Close()
	c.state.Store(stateClosed)
	c.hub.forget(c)
}

func (c *conn) writeFrame(frame Frame) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
	return c.ws.WriteJSON(frame) == nil
}
