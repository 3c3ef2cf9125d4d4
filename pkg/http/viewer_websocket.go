package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	viewerSendBuffer = 64
	viewerWriteWait  = 10 * time.Second
	viewerPongWait   = 60 * time.Second
)

// ViewerMessage is the JSON frame sent to agent displays
type ViewerMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ViewerHub fans session events out to the websocket clients watching each
// session. It is the session package's output sink for agent displays.
type ViewerHub struct {
	logger       *logrus.Logger
	upgrader     websocket.Upgrader
	clients      map[*viewerClient]bool
	sessions     map[string]map[*viewerClient]bool
	clientsMu    sync.RWMutex
	register     chan *viewerClient
	unregister   chan *viewerClient
	broadcast    chan *ViewerMessage
	pingInterval time.Duration
	running      atomic.Bool
	done         chan struct{}
}

type viewerClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *ViewerHub
	sessionID string
}

// NewViewerHub creates a hub; Run must be started before clients connect
func NewViewerHub(logger *logrus.Logger) *ViewerHub {
	return &ViewerHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:      make(map[*viewerClient]bool),
		sessions:     make(map[string]map[*viewerClient]bool),
		register:     make(chan *viewerClient),
		unregister:   make(chan *viewerClient),
		broadcast:    make(chan *ViewerMessage, 256),
		pingInterval: 54 * time.Second,
		done:         make(chan struct{}),
	}
}

// Name implements session.Sink
func (h *ViewerHub) Name() string {
	return "viewers"
}

// Publish implements session.Sink. It hands the event to the hub loop and
// only blocks while the broadcast queue is full.
func (h *ViewerHub) Publish(ctx context.Context, event session.Event) error {
	msg := &ViewerMessage{
		Type:      string(event.Type),
		SessionID: event.SessionID,
		CallID:    event.CallID,
		Timestamp: event.Timestamp,
		Data:      viewerPayload(event),
	}

	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return errors.Wrap(errors.ErrUnavailable, "viewer hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func viewerPayload(event session.Event) interface{} {
	switch event.Type {
	case session.EventSuggestion:
		return event.Suggestion
	case session.EventMetrics:
		return event.Metrics
	case session.EventCallEnded:
		return map[string]interface{}{
			"reason":  event.Reason,
			"metrics": event.Metrics,
		}
	}
	return nil
}

// Run manages client registration and broadcasting until ctx is cancelled
func (h *ViewerHub) Run(ctx context.Context) {
	h.running.Store(true)
	h.logger.Info("Starting viewer WebSocket hub")
	defer func() {
		h.running.Store(false)
		close(h.done)
		h.closeAll()
		h.logger.Info("Viewer WebSocket hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			if h.sessions[client.sessionID] == nil {
				h.sessions[client.sessionID] = make(map[*viewerClient]bool)
			}
			h.sessions[client.sessionID][client] = true
			count := len(h.clients)
			h.clientsMu.Unlock()

			metrics.SetViewerClients(count)
			h.logger.WithFields(logrus.Fields{
				"session_id": client.sessionID,
				"client_id":  client.id,
			}).Info("Viewer connected")

		case client := <-h.unregister:
			h.cleanupClients([]*viewerClient{client})

		case message := <-h.broadcast:
			if stale := h.broadcastMessage(message); len(stale) > 0 {
				h.cleanupClients(stale)
			}
		}
	}
}

// IsRunning reports whether the hub loop is active
func (h *ViewerHub) IsRunning() bool {
	return h.running.Load()
}

func (h *ViewerHub) broadcastMessage(message *ViewerMessage) []*viewerClient {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal viewer message")
		return nil
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	var stale []*viewerClient
	for client := range h.sessions[message.SessionID] {
		select {
		case client.send <- data:
		default:
			stale = append(stale, client)
		}
	}
	return stale
}

func (h *ViewerHub) cleanupClients(clients []*viewerClient) {
	h.clientsMu.Lock()
	for _, client := range clients {
		if _, ok := h.clients[client]; !ok {
			continue
		}
		delete(h.clients, client)
		if subscribers := h.sessions[client.sessionID]; subscribers != nil {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.sessions, client.sessionID)
			}
		}
		close(client.send)
		h.logger.WithFields(logrus.Fields{
			"session_id": client.sessionID,
			"client_id":  client.id,
		}).Info("Viewer disconnected")
	}
	count := len(h.clients)
	h.clientsMu.Unlock()

	metrics.SetViewerClients(count)
}

func (h *ViewerHub) closeAll() {
	h.clientsMu.RLock()
	clients := make([]*viewerClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMu.RUnlock()

	h.cleanupClients(clients)
}

// GetConnectedClients returns the number of connected viewers
func (h *ViewerHub) GetConnectedClients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeWs upgrades a viewer connection for the session named in the path
func (h *ViewerHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		errors.WriteError(w, errors.NewInvalidInput("session id is required"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade viewer connection")
		return
	}

	client := &viewerClient{
		id:        uuid.New().String(),
		conn:      conn,
		send:      make(chan []byte, viewerSendBuffer),
		hub:       h,
		sessionID: sessionID,
	}

	// Queue the greeting first so it precedes any session event
	welcome := &ViewerMessage{
		Type:      "connected",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"client_id": client.id,
		},
	}
	if data, err := json.Marshal(welcome); err == nil {
		client.send <- data
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *viewerClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(viewerPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(viewerPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Debug("Viewer read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(viewerPongWait))
		c.handleMessage(message)
	}
}

func (c *viewerClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(viewerWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(viewerWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers application level pings from the display
func (c *viewerClient) handleMessage(message []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.logger.WithError(err).Debug("Failed to parse viewer message")
		return
	}

	switch msg.Type {
	case "ping":
		pong := &ViewerMessage{Type: "pong", SessionID: c.sessionID, Timestamp: time.Now()}
		data, err := json.Marshal(pong)
		if err != nil {
			return
		}
		c.trySend(data)
	default:
		c.hub.logger.WithField("type", msg.Type).Debug("Unknown message type from viewer")
	}
}

// trySend queues data unless the hub already closed the client
func (c *viewerClient) trySend(data []byte) {
	c.hub.clientsMu.RLock()
	defer c.hub.clientsMu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
