package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/health"
	"github.com/tilerack/tilerack/go/internal/metrics"
	"github.com/tilerack/tilerack/go/internal/models"
)

// Router is the inbound half of the continuity core: the manager
// reports transport lifecycle and client messages to it. Implemented
// by the orchestrator.
type Router interface {
	OnConnect(ctx context.Context, connectionID, sessionID, playerID string, meta health.ConnMeta) error
	OnDisconnectSignal(connectionID, reason string)
	OnHeartbeatResponse(connectionID string, token uint64)
	UpdateQualityMetrics(sessionID, playerID string, latencyMs, packetLoss float64)
	CastVote(sessionID, playerID string, choice models.ContinuationChoice) bool
	ManualPause(sessionID, playerID string) bool
	RequestResume(sessionID, playerID string) bool
}

// Envelope is the wire frame for every outbound event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ClientMessage is the wire frame for every inbound client message.
type ClientMessage struct {
	Type       string  `json:"type"`
	Token      uint64  `json:"token,omitempty"`
	Choice     string  `json:"choice,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	PacketLoss float64 `json:"packet_loss,omitempty"`
}

// Inbound message types.
const (
	msgHeartbeatAck  = "heartbeat_ack"
	msgCastVote      = "cast_vote"
	msgPause         = "pause"
	msgResume        = "resume"
	msgQualityReport = "quality_report"
)

// ConnectionManager owns the WebSocket connections. It is the
// orchestrator's Transport: events are addressed to a connection id
// and queued on that connection's send buffer.
type ConnectionManager struct {
	connections        map[string]*Connection
	sessionConnections map[string]map[*Connection]bool
	mu                 sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	router   Router
}

// Connection represents one WebSocket connection to a client.
type Connection struct {
	ID        string
	SessionID string
	PlayerID  string
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time

	// sendMu orders sends against the channel close so a frame queued
	// during teardown can never panic.
	sendMu     sync.Mutex
	sendClosed bool
}

// trySend queues a frame unless the connection is closing or its
// buffer is full.
func (c *Connection) trySend(message []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.Send <- message:
		return true
	default:
		return false
	}
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.Send)
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager. The
// router is attached afterwards with SetRouter because the
// orchestrator needs the manager as its transport first.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		connections:        make(map[string]*Connection),
		sessionConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// SetRouter attaches the continuity core. Must be called before the
// first upgrade.
func (cm *ConnectionManager) SetRouter(router Router) {
	cm.router = router
}

// Send implements the orchestrator's Transport. Slow consumers are
// disconnected rather than allowed to back-pressure the session.
func (cm *ConnectionManager) Send(connectionID, event string, payload any) error {
	cm.mu.RLock()
	conn, ok := cm.connections[connectionID]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	if conn.trySend(data) {
		return nil
	}
	log.Warn().
		Str("connection_id", conn.ID).
		Str("player_id", conn.PlayerID).
		Msg("connection send buffer full, closing connection")
	cm.unregisterConnection(conn)
	conn.Conn.Close()
	return fmt.Errorf("connection %s send buffer full", connectionID)
}

// UpgradeConnection upgrades an HTTP request to a WebSocket and hands
// the connection to the continuity core.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, sessionID, playerID string, meta health.ConnMeta) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		PlayerID:    playerID,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	if err := cm.router.OnConnect(r.Context(), connection.ID, sessionID, playerID, meta); err != nil {
		cm.unregisterConnection(connection)
		deadline := time.Now().Add(cm.config.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		ws.Close()
		return err
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("session_id", sessionID).
		Str("player_id", playerID).
		Bool("mobile", meta.IsMobile).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connections[conn.ID] = conn
	if cm.sessionConnections[conn.SessionID] == nil {
		cm.sessionConnections[conn.SessionID] = make(map[*Connection]bool)
	}
	cm.sessionConnections[conn.SessionID][conn] = true
	metrics.ActiveConnections.Inc()

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID).
		Int("session_connections", len(cm.sessionConnections[conn.SessionID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn.ID]; !exists {
		return
	}
	delete(cm.connections, conn.ID)
	conn.closeSend()
	metrics.ActiveConnections.Dec()

	if connections, exists := cm.sessionConnections[conn.SessionID]; exists {
		delete(connections, conn)
		if len(connections) == 0 {
			delete(cm.sessionConnections, conn.SessionID)
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID).
		Str("player_id", conn.PlayerID).
		Msg("connection unregistered")
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	sessionCounts := make(map[string]int)
	for sessionID, connections := range cm.sessionConnections {
		sessionCounts[sessionID] = len(connections)
	}

	return map[string]interface{}{
		"total_connections":   len(cm.connections),
		"active_sessions":     len(cm.sessionConnections),
		"session_connections": sessionCounts,
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection. On
// exit the drop is reported to the continuity core as a potential
// disconnect, not a confirmed one; the debounce decides.
func (c *Connection) readPump() {
	var reason string
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
		c.Manager.router.OnDisconnectSignal(c.ID, reason)
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			reason = closeReason(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// closeReason maps a read error to the drop reason fed into the
// debounce policy. CloseGoingAway is what browsers send on tab
// switches and app backgrounding, so it maps to "transport close".
func closeReason(err error) string {
	switch {
	case websocket.IsCloseError(err, websocket.CloseGoingAway):
		return "transport close"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure):
		return "client closed"
	case websocket.IsCloseError(err, websocket.CloseAbnormalClosure):
		return "abnormal closure"
	default:
		return "read error"
	}
}

// handleClientMessage processes messages received from the client.
func (c *Connection) handleClientMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().
			Str("connection_id", c.ID).
			Str("player_id", c.PlayerID).
			Msg("malformed client message, ignoring")
		return
	}

	router := c.Manager.router
	switch msg.Type {
	case msgHeartbeatAck:
		router.OnHeartbeatResponse(c.ID, msg.Token)
	case msgCastVote:
		router.CastVote(c.SessionID, c.PlayerID, models.ContinuationChoice(msg.Choice))
	case msgPause:
		router.ManualPause(c.SessionID, c.PlayerID)
	case msgResume:
		router.RequestResume(c.SessionID, c.PlayerID)
	case msgQualityReport:
		router.UpdateQualityMetrics(c.SessionID, c.PlayerID, msg.LatencyMs, msg.PacketLoss)
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", msg.Type).
			Msg("unknown client message type, ignoring")
	}
}
