package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"studybuddy/pkg/types"
)

// StatusReader is the part of the matcher the push channel needs.
type StatusReader interface {
	Status(ctx context.Context, learnerID string) (*types.MatchResult, error)
}

// clientMessage is the only frame clients send: {"type":"status"} asks for
// a fresh snapshot.
type clientMessage struct {
	Type string `json:"type"`
}

// Handler upgrades learners to a websocket that carries match events.
// The socket only accelerates polling; the REST status call stays the authority.
type Handler struct {
	registry *Registry
	status   StatusReader
	config   Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(registry *Registry, status StatusReader, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		registry: registry,
		status:   status,
		config:   config,
		logger:   logger.With("component", "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP handles GET /study-buddy/ws?user_id=.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	learnerID := r.URL.Query().Get("user_id")
	if !types.IsValidUserID(learnerID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "learner_id", learnerID, "error", err)
		return
	}

	wsConn := NewConnection(conn, learnerID, h.config)
	if err := h.registry.Register(wsConn); err != nil {
		h.logger.Error("Failed to register connection", "learner_id", learnerID, "error", err)
		_ = wsConn.Close()
		return
	}
	h.logger.Debug("Learner connected", "learner_id", learnerID)

	h.sendStatus(wsConn)
	go h.handleConnection(wsConn)
}

// sendStatus pushes the learner's current state so a fresh client does not
// have to wait for the next event or poll.
func (h *Handler) sendStatus(conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
	defer cancel()

	result, err := h.status.Status(ctx, conn.LearnerID())
	if err != nil {
		h.logger.Warn("Failed to load status for websocket", "learner_id", conn.LearnerID(), "error", err)
		return
	}
	event := types.Event{
		Type:      types.EventStatus,
		LearnerID: conn.LearnerID(),
		Result:    result,
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Debug("Failed to send status snapshot", "learner_id", conn.LearnerID(), "error", err)
	}
}

// handleConnection runs the read pump and heartbeat until the socket dies.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.logger.Debug("Learner disconnected", "learner_id", conn.LearnerID())
	}()

	ws := conn.conn
	ws.SetReadLimit(4096)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", "learner_id", conn.LearnerID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == types.EventStatus {
			h.sendStatus(conn)
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
