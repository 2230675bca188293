// Package ws streams a conversation's visible state to websocket watchers.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"matchchat/internal/conversation"
	"matchchat/internal/telemetry"
)

const writeTimeout = 5 * time.Second

// Event is one frame pushed to watchers.
type Event struct {
	Type           string               `json:"type"`
	ConversationID int64                `json:"conversation_id"`
	Items          []conversation.Item  `json:"items,omitempty"`
	Notice         *conversation.Notice `json:"notice,omitempty"`
}

type client struct {
	conn *websocket.Conn
	info ConnInfo
	mu   sync.Mutex
}

func (c *client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub maintains the watchers of each conversation.
type Hub struct {
	rooms   map[int64]map[*websocket.Conn]*client
	mu      sync.RWMutex
	refresh chan struct{}
	events  *telemetry.Emitter
	log     *zap.Logger
}

func NewHub(events *telemetry.Emitter, log *zap.Logger) *Hub {
	return &Hub{
		rooms:   make(map[int64]map[*websocket.Conn]*client),
		refresh: make(chan struct{}, 1),
		events:  events,
		log:     log,
	}
}

// AddClient registers a websocket connection as a watcher of a conversation.
func (h *Hub) AddClient(conversationID int64, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*websocket.Conn]*client)
	}
	h.rooms[conversationID][conn] = &client{conn: conn, info: info}
}

func (h *Hub) RemoveClient(conversationID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

func (h *Hub) Clients(conversationID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Broadcast sends event to every watcher of its conversation. Watchers that
// fail to receive are dropped.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.rooms[event.ConversationID]))
	for _, c := range h.rooms[event.ConversationID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("encode watch event", zap.Error(err))
		return
	}
	for _, c := range clients {
		if err := c.write(payload); err != nil {
			h.log.Warn("websocket write error", zap.String("conn_id", c.info.ConnID), zap.Error(err))
			_ = c.conn.Close()
			h.RemoveClient(event.ConversationID, c.conn)
			h.publishWSEvent("ws_error", event.ConversationID, c.info, err.Error())
		}
	}
}

// Refresh asks Run for a new snapshot. Requests made while one is pending
// are coalesced.
func (h *Hub) Refresh() {
	select {
	case h.refresh <- struct{}{}:
	default:
	}
}

// Run broadcasts the visible list of ctrl after every Refresh until ctx is
// done. Snapshots are read and sent on this goroutine only.
func (h *Hub) Run(ctx context.Context, ctrl *conversation.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.refresh:
			h.Broadcast(Event{Type: "snapshot", ConversationID: ctrl.ConversationID(), Items: ctrl.Messages()})
		}
	}
}

func (h *Hub) publishWSEvent(name string, conversationID int64, info ConnInfo, reason string) {
	h.events.Emit(context.Background(), name, 0, map[string]any{
		"ws": map[string]any{
			"conversation_id": conversationID,
			"conn_id":         info.ConnID,
			"duration_ms":     time.Since(info.ConnectedAt).Milliseconds(),
			"reason":          reason,
			"request_id":      info.RequestID,
			"trace_id":        info.TraceID,
			"ip":              info.IP,
		},
	})
}
