package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"matchchat/internal/conversation"
	"matchchat/internal/middleware"
	"matchchat/internal/pagination"
	"matchchat/internal/session"
	"matchchat/internal/telemetry"
)

type SessionControl interface {
	Status() session.Status
	Reconnect(ctx context.Context)
	UserID() int64
}

type ConversationView interface {
	ConversationID() int64
	Messages() []conversation.Item
	History() pagination.State
	Send(ctx context.Context, text string) bool
	LoadMore(ctx context.Context) bool
	Leave(ctx context.Context) bool
}

// DebugHandler exposes the live session and the open conversation.
type DebugHandler struct {
	session SessionControl
	view    ConversationView
	events  *telemetry.Emitter
	log     *zap.Logger
}

func NewDebugHandler(session SessionControl, view ConversationView, events *telemetry.Emitter, log *zap.Logger) *DebugHandler {
	return &DebugHandler{session: session, view: view, events: events, log: log}
}

type sendRequest struct {
	Content string `json:"content" binding:"required"`
}

// RegisterDebugRoutes wires debug-only endpoints behind the debug token.
func RegisterDebugRoutes(router *gin.Engine, h *DebugHandler, token string, enabled bool) *gin.RouterGroup {
	if !enabled {
		return nil
	}

	debug := router.Group("/debug", middleware.DebugAuth(token))
	debug.GET("/session", h.GetSession)
	debug.POST("/session/reconnect", h.Reconnect)
	debug.GET("/conversation/messages", h.GetMessages)
	debug.POST("/conversation/messages", h.PostMessage)
	debug.POST("/conversation/load-more", h.LoadMore)
	debug.POST("/conversation/leave", h.Leave)
	debug.POST("/events/test", h.EventTest)
	return debug
}

func (h *DebugHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Status())
}

// Reconnect drops and reopens the broker connection.
func (h *DebugHandler) Reconnect(c *gin.Context) {
	h.session.Reconnect(c.Request.Context())
	h.log.Info("manual reconnect requested", zap.String("request_id", requestIDFromContext(c)))
	c.JSON(http.StatusAccepted, gin.H{"status": "reconnecting"})
}

func (h *DebugHandler) GetMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": h.view.ConversationID(),
		"items":           h.view.Messages(),
		"history":         h.view.History(),
	})
}

func (h *DebugHandler) PostMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	if !h.view.Send(c.Request.Context(), req.Content) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "message could not be sent"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *DebugHandler) LoadMore(c *gin.Context) {
	loaded := h.view.LoadMore(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"loaded":  loaded,
		"history": h.view.History(),
		"count":   len(h.view.Messages()),
	})
}

func (h *DebugHandler) Leave(c *gin.Context) {
	if !h.view.Leave(c.Request.Context()) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not leave the conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

// EventTest publishes a test lifecycle event.
func (h *DebugHandler) EventTest(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event emitter not configured"})
		return
	}
	h.events.Emit(c.Request.Context(), "debug_test_event", h.session.UserID(), map[string]any{
		"request_id": requestIDFromContext(c),
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
