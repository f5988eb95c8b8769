// Package websocket relays hub channels to browser clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"iattend/internal/attendance"
	"iattend/internal/hub"
	"iattend/pkg/types"
)

// CallerResolver identifies the user behind an upgrade request
type CallerResolver interface {
	Resolve(r *http.Request) (types.Caller, error)
}

// Subscriber is the part of the hub a connection listens through
type Subscriber interface {
	Subscribe(channel string) (*hub.Subscription, error)
	Unsubscribe(sub *hub.Subscription)
}

// SnapshotSource returns the state a new session observer starts from
type SnapshotSource interface {
	Snapshot(ctx context.Context, sessionID string) (*attendance.Snapshot, error)
}

// clientMessage is the only frame clients send
type clientMessage struct {
	Type string `json:"type"`
}

// Handler upgrades requests and wires each connection to one hub channel
// ARCHITECTURAL DISCOVERY: Validation happens before the upgrade so rejected
// clients get a plain HTTP status instead of a socket that closes immediately
type Handler struct {
	registry   *Registry
	subscriber Subscriber
	snapshots  SnapshotSource
	callers    CallerResolver
	upgrader   websocket.Upgrader
	clock      func() time.Time
	logger     *zap.Logger
}

// NewHandler creates a websocket handler
func NewHandler(registry *Registry, subscriber Subscriber, snapshots SnapshotSource, callers CallerResolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:   registry,
		subscriber: subscriber,
		snapshots:  snapshots,
		callers:    callers,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Classroom displays are served from other origins
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		clock:  time.Now,
		logger: logger.Named("websocket"),
	}
}

// HandleSession serves /ws/sessions/:id for the session owner
// FUNCTIONAL DISCOVERY: Subscribe first, snapshot second. An entry accepted in
// between shows up in both, never in neither.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	caller, err := h.callers.Resolve(r)
	if err != nil {
		http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}

	sessionID := ps.ByName("id")
	channel := types.SessionChannel(sessionID)

	sub, err := h.subscriber.Subscribe(channel)
	if err != nil {
		h.logger.Error("subscribe failed", zap.String("channel", channel), zap.Error(err))
		http.Error(w, "realtime delivery unavailable", http.StatusServiceUnavailable)
		return
	}

	snapshot, err := h.snapshots.Snapshot(r.Context(), sessionID)
	if err != nil {
		h.subscriber.Unsubscribe(sub)
		if errors.Is(err, types.ErrUnknownSession) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("snapshot failed", zap.String("session_id", sessionID), zap.Error(err))
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	if !caller.CanManage(snapshot.Session) {
		h.subscriber.Unsubscribe(sub)
		http.Error(w, ErrNotObserver.Error(), http.StatusForbidden)
		return
	}

	conn, ok := h.upgrade(w, r, caller, sub)
	if !ok {
		return
	}

	if err := conn.WriteJSON(types.Envelope{
		Type:      types.EnvelopeSnapshot,
		Channel:   channel,
		Payload:   snapshot,
		Timestamp: h.clock(),
	}); err != nil {
		h.logger.Warn("failed to send snapshot", zap.String("session_id", sessionID), zap.Error(err))
	}

	go h.serve(conn, sub)
}

// HandleNotifications serves /ws/notifications for the calling user
func (h *Handler) HandleNotifications(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	caller, err := h.callers.Resolve(r)
	if err != nil {
		http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}

	channel := types.UserChannel(caller.UserID)
	sub, err := h.subscriber.Subscribe(channel)
	if err != nil {
		h.logger.Error("subscribe failed", zap.String("channel", channel), zap.Error(err))
		http.Error(w, "realtime delivery unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, ok := h.upgrade(w, r, caller, sub)
	if !ok {
		return
	}
	go h.serve(conn, sub)
}

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request, caller types.Caller, sub *hub.Subscription) (*Connection, bool) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		h.subscriber.Unsubscribe(sub)
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil, false
	}

	conn := NewConnection(ws)
	conn.SetCredentials(caller.UserID, string(caller.Role), sub.Channel())

	if err := h.registry.RegisterConnection(conn); err != nil {
		h.subscriber.Unsubscribe(sub)
		_ = conn.Close()
		h.logger.Error("failed to register connection", zap.Error(err))
		return nil, false
	}

	h.logger.Debug("connection opened",
		zap.String("user_id", caller.UserID),
		zap.String("channel", sub.Channel()))
	return conn, true
}

// serve owns the connection until either side goes away
// ARCHITECTURAL DISCOVERY: One relay goroutine per connection plus the read loop;
// whichever stops first closes the socket and the other follows
func (h *Handler) serve(conn *Connection, sub *hub.Subscription) {
	defer func() {
		h.subscriber.Unsubscribe(sub)
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.logger.Debug("connection closed",
			zap.String("user_id", conn.GetUserID()),
			zap.String("channel", conn.GetChannel()))
	}()

	go h.relay(conn, sub)
	go h.keepAlive(conn)
	h.readLoop(conn)
}

func (h *Handler) relay(conn *Connection, sub *hub.Subscription) {
	for {
		select {
		case envelope, ok := <-sub.Events():
			if !ok {
				// hub stopped or dropped us for falling behind
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(envelope); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// TECHNICAL DISCOVERY: 60-second read deadline with 30-second pings keeps idle
// projector tabs alive through classroom proxies
func (h *Handler) keepAlive(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) readLoop(conn *Connection) {
	conn.conn.SetReadLimit(maxFrameSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.WriteJSON(h.errorEnvelope(conn, "malformed message"))
			continue
		}

		switch msg.Type {
		case "ping":
			_ = conn.WriteJSON(types.Envelope{
				Type:      types.EnvelopePong,
				Channel:   conn.GetChannel(),
				Timestamp: h.clock(),
			})
		default:
			_ = conn.WriteJSON(h.errorEnvelope(conn, "unsupported message type"))
		}
	}
}

func (h *Handler) errorEnvelope(conn *Connection, message string) types.Envelope {
	return types.Envelope{
		Type:      types.EnvelopeError,
		Channel:   conn.GetChannel(),
		Payload:   map[string]string{"message": message},
		Timestamp: h.clock(),
	}
}
