// -----------------------------------------------------------------------
// WebSocket Handler - Pushes task and bundle events to dashboard clients
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope every pushed message uses
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler broadcasts orchestration events to connected dashboard
// clients. Progress events are throttled so a fast poller cannot flood the
// socket; status-change and terminal events are never dropped.
type WebSocketHandler struct {
	logger            arbor.ILogger
	clients           map[*websocket.Conn]bool
	clientMutex       map[*websocket.Conn]*sync.Mutex
	mu                sync.RWMutex
	eventService      interfaces.EventService
	progressThrottler *rate.Limiter   // shared throttle for task_progress / bundle_progress
	allowedEvents     map[string]bool // whitelist of events to broadcast (empty = allow all)
	serverInstanceID  string          // unique per startup; clients clear stale state on change
}

// NewWebSocketHandler creates a new websocket handler and subscribes it to
// orchestration events
func NewWebSocketHandler(eventService interfaces.EventService, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		allowedEvents:    make(map[string]bool),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
		logger.Debug().
			Int("allowed_events", len(h.allowedEvents)).
			Msg("Initialized event whitelist for WebSocketHandler")
	}

	if config != nil && config.ProgressEventsPerSec > 0 {
		h.progressThrottler = rate.NewLimiter(rate.Limit(config.ProgressEventsPerSec), 1)
		logger.Debug().
			Float64("events_per_sec", config.ProgressEventsPerSec).
			Msg("Throttler initialized for progress events")
	}

	if eventService != nil {
		h.subscribeToEvents()
	}

	return h
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	h.sendHello(conn)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Read messages from client (keep connection alive)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHandler) Broadcast(msgType string, payload interface{}) {
	msg := WSMessage{
		Type:    msgType,
		Payload: payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal websocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msgType).Msg("Failed to send message to client")
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendHello sends the initial handshake so the client can detect a restart
func (h *WebSocketHandler) sendHello(conn *websocket.Conn) {
	msg := WSMessage{
		Type: "hello",
		Payload: map[string]interface{}{
			"server_instance_id": h.serverInstanceID,
			"version":            common.GetVersion(),
			"timestamp":          time.Now().Format(time.RFC3339),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal hello message")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()

	if mutex != nil {
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send hello message")
		}
	}
}

// allowed applies the event whitelist (empty whitelist = allow all)
func (h *WebSocketHandler) allowed(eventType string) bool {
	if len(h.allowedEvents) == 0 {
		return true
	}
	return h.allowedEvents[eventType]
}

// subscribeToEvents wires orchestration events to the broadcast path.
// Progress events share one throttler; everything else goes out unthrottled.
func (h *WebSocketHandler) subscribeToEvents() {
	throttled := func(eventType interfaces.EventType) interfaces.EventHandler {
		return func(ctx context.Context, event interfaces.Event) error {
			if !h.allowed(string(eventType)) {
				return nil
			}
			if h.progressThrottler != nil && !h.progressThrottler.Allow() {
				return nil
			}
			h.Broadcast(string(eventType), event.Payload)
			return nil
		}
	}
	direct := func(eventType interfaces.EventType) interfaces.EventHandler {
		return func(ctx context.Context, event interfaces.Event) error {
			if !h.allowed(string(eventType)) {
				return nil
			}
			h.Broadcast(string(eventType), event.Payload)
			return nil
		}
	}

	h.eventService.Subscribe(interfaces.EventTaskProgress, throttled(interfaces.EventTaskProgress))
	h.eventService.Subscribe(interfaces.EventBundleProgress, throttled(interfaces.EventBundleProgress))

	h.eventService.Subscribe(interfaces.EventTaskStatusChange, direct(interfaces.EventTaskStatusChange))
	h.eventService.Subscribe(interfaces.EventBundleWarning, direct(interfaces.EventBundleWarning))
	h.eventService.Subscribe(interfaces.EventBundleComplete, direct(interfaces.EventBundleComplete))
}
