package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// Inbound is a client message routed by its action.
type Inbound struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ActionHandler handles one inbound action from connection id.
type ActionHandler func(ctx context.Context, id string, in Inbound) error

// Greeting is the first frame a client receives.
type Greeting struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// ErrorFrame reports a rejected inbound message to the client.
type ErrorFrame struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Error  string `json:"error"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	// OnConnect runs after the upgrade and before the greeting. An error
	// closes the socket.
	OnConnect func(ctx context.Context, c Connection) error

	// OnDisconnect runs once the socket is gone.
	OnDisconnect func(ctx context.Context, id string)

	// Instance is stamped on every accepted connection.
	Instance string

	// CheckOrigin overrides the upgrader origin check. Default: allow all.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

type socket struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (s *socket) write(ctx context.Context, messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultSendTimeout)
	}
	if err := s.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.ws.WriteMessage(messageType, data)
}

// Hub is the WebSocket Transport. It upgrades requests, keeps one socket
// per connection ID, and routes inbound actions to handlers.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	sockets map[string]*socket
	actions map[string]ActionHandler
}

// NewHub returns a hub.
func NewHub(cfg HubConfig) *Hub {
	check := cfg.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Hub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: check},
		logger:   observability.Component(cfg.Logger, "hub"),
		sockets:  make(map[string]*socket),
		actions:  make(map[string]ActionHandler),
	}
}

// Handle registers the handler of an inbound action.
func (h *Hub) Handle(action string, fn ActionHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions[action] = fn
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	conn := Connection{
		ID:          uuid.NewString(),
		Instance:    h.cfg.Instance,
		ConnectedAt: time.Now().UTC(),
		Meta:        map[string]string{"remoteAddr": r.RemoteAddr},
	}
	if ua := r.UserAgent(); ua != "" {
		conn.Meta["userAgent"] = ua
	}
	s := &socket{ws: ws}

	h.mu.Lock()
	h.sockets[conn.ID] = s
	h.mu.Unlock()

	if h.cfg.OnConnect != nil {
		if err := h.cfg.OnConnect(ctx, conn); err != nil {
			h.logger.Error("register connection", slog.String("channel_id", conn.ID), slog.String("error", err.Error()))
			h.drop(ctx, conn.ID)
			return
		}
	}
	h.logger.Info("client connected", slog.String("channel_id", conn.ID), slog.String("remote_addr", r.RemoteAddr))

	if err := h.sendJSON(ctx, conn.ID, Greeting{Type: "connected", ConnectionID: conn.ID}); err != nil {
		h.drop(ctx, conn.ID)
		return
	}

	h.readLoop(ctx, conn.ID, ws)
	h.drop(ctx, conn.ID)
}

func (h *Hub) readLoop(ctx context.Context, id string, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", slog.String("channel_id", id), slog.String("error", err.Error()))
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Action == "" {
			h.reject(ctx, id, "", "message must be JSON with an action")
			continue
		}

		h.mu.RLock()
		fn, ok := h.actions[in.Action]
		h.mu.RUnlock()
		if !ok {
			h.reject(ctx, id, in.Action, "unknown action")
			continue
		}
		if err := fn(ctx, id, in); err != nil {
			h.logger.Warn("action failed",
				slog.String("channel_id", id),
				slog.String("action", in.Action),
				slog.String("error", err.Error()),
			)
			h.reject(ctx, id, in.Action, err.Error())
		}
	}
}

func (h *Hub) reject(ctx context.Context, id, action, msg string) {
	_ = h.sendJSON(ctx, id, ErrorFrame{Type: "error", Action: action, Error: msg})
}

func (h *Hub) sendJSON(ctx context.Context, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.Send(ctx, id, data)
}

// drop forgets the socket, closes it and reports the disconnect once.
func (h *Hub) drop(ctx context.Context, id string) {
	h.mu.Lock()
	s, ok := h.sockets[id]
	delete(h.sockets, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = s.ws.Close()
	if h.cfg.OnDisconnect != nil {
		h.cfg.OnDisconnect(ctx, id)
	}
	h.logger.Info("client disconnected", slog.String("channel_id", id))
}

// Send implements Transport.
func (h *Hub) Send(ctx context.Context, id string, data []byte) error {
	h.mu.RLock()
	s, ok := h.sockets[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGone, id)
	}
	if err := s.write(ctx, websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to %s: %w", id, err)
	}
	return nil
}

// Close implements Transport. The socket gets a normal-closure frame; the
// read loop then reports the disconnect.
func (h *Hub) Close(ctx context.Context, id string) error {
	h.mu.RLock()
	s, ok := h.sockets[id]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := s.write(ctx, websocket.CloseMessage, frame); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		h.drop(ctx, id)
		return fmt.Errorf("close %s: %w", id, err)
	}
	// Unblock the read loop if the peer never answers the close frame.
	_ = s.ws.SetReadDeadline(time.Now().Add(time.Second))
	return nil
}

// Connected reports whether id has a live socket in this process.
func (h *Hub) Connected(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sockets[id]
	return ok
}

var _ Transport = (*Hub)(nil)
