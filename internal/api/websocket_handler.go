package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/loracloud/lorad/internal/logging"
	"github.com/loracloud/lorad/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler fans training job events out to connected clients. It
// doubles as the orchestrator's event publisher, so every status change and
// progress step lands on /ws as it happens.
type WebSocketHandler struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mu        sync.RWMutex
}

func NewWebSocketHandler() *WebSocketHandler {
	h := &WebSocketHandler{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 256),
	}
	go h.handleBroadcasts()
	return h
}

// Publish implements training.Publisher. A full broadcast buffer drops the
// event rather than stalling the job driver; clients resynchronize from the
// polling API.
func (h *WebSocketHandler) Publish(event models.JobEvent) {
	message, err := json.Marshal(map[string]interface{}{
		"type": "job_event",
		"job":  event,
	})
	if err != nil {
		logging.Error("event marshal failed", map[string]interface{}{"error": err})
		return
	}

	select {
	case h.broadcast <- message:
	default:
		logging.Warn("event dropped, broadcast buffer full", map[string]interface{}{
			"job_id": event.JobID,
		})
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", map[string]interface{}{"error": err})
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("websocket read failed", map[string]interface{}{"error": err})
			}
			break
		}

		if messageType == websocket.TextMessage {
			h.handleMessage(conn, message)
		}
	}
}

func (h *WebSocketHandler) handleMessage(conn *websocket.Conn, message []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(message, &msg); err != nil {
		h.sendError(conn, "invalid JSON")
		return
	}

	msgType, ok := msg["type"].(string)
	if !ok {
		h.sendError(conn, "missing message type")
		return
	}

	switch msgType {
	case "ping":
		h.sendResponse(conn, map[string]interface{}{
			"type": "pong",
		})
	case "subscribe":
		h.sendResponse(conn, map[string]interface{}{
			"type":    "subscribed",
			"message": "subscribed to training job events",
		})
	default:
		h.sendError(conn, "unknown message type")
	}
}

func (h *WebSocketHandler) handleBroadcasts() {
	for message := range h.broadcast {
		h.mu.Lock()
		for client := range h.clients {
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

func (h *WebSocketHandler) sendResponse(conn *websocket.Conn, data interface{}) {
	response, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, response); err != nil {
		logging.Warn("websocket write failed", map[string]interface{}{"error": err})
	}
}

func (h *WebSocketHandler) sendError(conn *websocket.Conn, message string) {
	h.sendResponse(conn, map[string]interface{}{
		"type":  "error",
		"error": message,
	})
}
