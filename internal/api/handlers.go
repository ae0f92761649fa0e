package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/auth"
	"github.com/matthewbub/wussup.chat-sub003/internal/chat"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/quota"
)

const defaultPingInterval = 15 * time.Second

// Conversations is the chat surface the handlers drive.
type Conversations interface {
	SubmitTurn(ctx context.Context, req chat.TurnRequest, sink chat.Sink) (*chat.TurnResult, error)
	StartSession(ctx context.Context, userID, sessionID string) (*models.Session, bool, error)
	SessionDetail(ctx context.Context, userID, sessionID string) (*models.Session, []*models.Message, error)
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)
	RenameSession(ctx context.Context, userID, sessionID, name string) (*models.Session, error)
	TogglePin(ctx context.Context, userID, sessionID string) (bool, error)
	DeleteSessions(ctx context.Context, userID string, sessionIDs ...string) (int64, error)
	SelectPreferred(ctx context.Context, userID, sessionID, groupID, messageID string) (*chat.PreferenceOutcome, error)
	RegenerateTitle(ctx context.Context, userID, sessionID string) (string, error)
	QuotaStatus(ctx context.Context, userID string) (quota.Decision, error)
	Init(ctx context.Context, userID string) (*chat.InitState, error)
	SetChatContext(ctx context.Context, userID, chatContext string) error
	SetProviderKey(ctx context.Context, userID, provider, key string) error
	DeleteProviderKey(ctx context.Context, userID, provider string) error
}

// Handler wires HTTP routes to the conversation orchestrator.
type Handler struct {
	chat         Conversations
	auth         *auth.Service
	pingInterval time.Duration
}

func NewHandler(conversations Conversations, authService *auth.Service) *Handler {
	return &Handler{
		chat:         conversations,
		auth:         authService,
		pingInterval: defaultPingInterval,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	api.GET("/init", h.init)
	api.POST("/sessions", h.startSession)
	api.GET("/sessions", h.listSessions)
	api.POST("/sessions/delete", h.deleteSessions)
	api.GET("/sessions/:id", h.sessionDetail)
	api.PATCH("/sessions/:id", h.updateSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.POST("/sessions/:id/title", h.regenerateTitle)
	api.POST("/chat", h.submitTurn)
	api.POST("/chat/preferred", h.selectPreferred)
	api.GET("/quota", h.quotaStatus)
	api.PUT("/me/context", h.setChatContext)
	api.PUT("/me/keys/:provider", h.setProviderKey)
	api.DELETE("/me/keys/:provider", h.deleteProviderKey)
}

// writeError maps classified errors to their status. Anything unclassified
// is logged and reported as an internal error.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(err)
	msg := apperr.Message(err)
	if kind == "" || kind == apperr.Persistence {
		log.Printf("api %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		msg = "internal error"
		if kind == "" {
			kind = apperr.Persistence
		}
	}
	c.JSON(status, gin.H{"error": msg, "kind": kind})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": apperr.Validation})
}

func (h *Handler) init(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	state, err := h.chat.Init(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) startSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	sess, created, err := h.chat.StartSession(c.Request.Context(), userID, req.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"session": sess, "created": created})
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessions, err := h.chat.ListSessions(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) sessionDetail(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sess, messages, err := h.chat.SessionDetail(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "messages": messages})
}

func (h *Handler) updateSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Name   *string `json:"name"`
		Pinned string  `json:"pinned"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.Name == nil && req.Pinned == "" {
		badRequest(c, "name or pinned is required")
		return
	}
	if req.Pinned != "" && req.Pinned != "toggle" {
		badRequest(c, `pinned only accepts "toggle"`)
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if req.Name != nil {
		if _, err := h.chat.RenameSession(ctx, userID, sessionID, *req.Name); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Pinned == "toggle" {
		if _, err := h.chat.TogglePin(ctx, userID, sessionID); err != nil {
			writeError(c, err)
			return
		}
	}
	sess, _, err := h.chat.SessionDetail(ctx, userID, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if _, err := h.chat.DeleteSessions(c.Request.Context(), userID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	deleted, err := h.chat.DeleteSessions(c.Request.Context(), userID, req.IDs...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) regenerateTitle(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	name, err := h.chat.RegenerateTitle(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": name})
}

func (h *Handler) selectPreferred(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		SessionID       string `json:"session_id"`
		ResponseGroupID string `json:"response_group_id"`
		MessageID       string `json:"message_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	out, err := h.chat.SelectPreferred(c.Request.Context(), userID, req.SessionID, req.ResponseGroupID, req.MessageID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) quotaStatus(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	status, err := h.chat.QuotaStatus(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) setChatContext(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Context string `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.chat.SetChatContext(c.Request.Context(), userID, req.Context); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setProviderKey(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	provider := strings.TrimSpace(c.Param("provider"))
	if err := h.chat.SetProviderKey(c.Request.Context(), userID, provider, req.Key); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteProviderKey(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.chat.DeleteProviderKey(c.Request.Context(), userID, c.Param("provider")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
