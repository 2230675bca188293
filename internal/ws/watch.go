package ws

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"matchchat/internal/conversation"
	"matchchat/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WatchHandler upgrades watchers of the active conversation.
type WatchHandler struct {
	hub  *Hub
	ctrl *conversation.Controller
	log  *zap.Logger
}

func NewWatchHandler(hub *Hub, ctrl *conversation.Controller, log *zap.Logger) *WatchHandler {
	return &WatchHandler{hub: hub, ctrl: ctrl, log: log}
}

// Handle upgrades the connection, requests a snapshot for it and keeps the
// watcher registered until it disconnects.
func (h *WatchHandler) Handle(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("conversation_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	if conversationID != h.ctrl.ConversationID() {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not open"})
		return
	}

	ctx, span := otel.Tracer("matchchat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		IP:          c.ClientIP(),
		RequestID:   observability.RequestIDFromContext(ctx),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	h.hub.AddClient(conversationID, conn, info)
	h.hub.Refresh()
	h.hub.publishWSEvent("ws_connect", conversationID, info, "")
	h.log.Debug("watcher connected", zap.String("conn_id", info.ConnID), zap.Int64("conversation_id", conversationID))

	go func() {
		var closeReason string
		defer func() {
			h.hub.RemoveClient(conversationID, conn)
			h.hub.publishWSEvent("ws_disconnect", conversationID, info, closeReason)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.hub.publishWSEvent("ws_error", conversationID, info, closeReason)
				}
				return
			}
		}
	}()
}
