package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const identityContextKey = "parley_identity"

var (
	errMissingAuthenticator = errors.New("connection authenticator dependency required")
	errMissingRealtime      = errors.New("realtime service dependency required")
)

// ConnectionAuthenticator resolves a handshake credential to an identity.
type ConnectionAuthenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Identity, error)
}

type Dependencies struct {
	Authenticator ConnectionAuthenticator
	Realtime      *realtime.Service
	Session       realtime.SessionConfig
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	session := deps.Session
	if session.Logger == nil {
		session.Logger = logger
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		realtime:      deps.Realtime,
		session:       session,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/presence", handler.handlePresence)
	protected.GET("/conversations/:peer_id", handler.handleConversation)
	protected.POST("/messages", handler.handleSendMessage)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	authenticator ConnectionAuthenticator
	realtime      *realtime.Service
	session       realtime.SessionConfig
	logger        *zap.Logger
	upgrader      websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebSocket authenticates before upgrading; a refused credential never creates a
// session or touches presence.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity, ok := h.authenticate(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	session := realtime.NewSession(conn, identity, h.session)
	if err := h.realtime.ServeSession(c.Request.Context(), session); err != nil {
		h.logger.Warn("websocket session refused",
			zap.Int64("tenant_id", identity.TenantID),
			zap.Int64("user_id", identity.UserID),
			zap.Error(err))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, ok := h.authenticate(c)
	if !ok {
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

// authenticate writes the 401 response itself and reports whether the caller may proceed.
func (h *httpHandler) authenticate(c *gin.Context) (auth.Identity, bool) {
	identity, err := h.authenticator.Authenticate(c.Request.Context(), auth.CredentialFromRequest(c.Request))
	if err == nil {
		return identity, true
	}
	fields := []zap.Field{
		zap.String("path", c.FullPath()),
		zap.String("client_ip", c.ClientIP()),
		zap.Error(err),
	}
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrAuthenticationRequired):
		h.logger.Info("connection authentication failed", fields...)
	case errors.Is(err, auth.ErrIdentityUnavailable):
		status = http.StatusServiceUnavailable
		h.logger.Error("connection authentication failed", fields...)
	default:
		h.logger.Warn("connection authentication failed", fields...)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": auth.Reason(err)})
	return auth.Identity{}, false
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok
}

type presenceResponsePayload struct {
	TenantID      int64   `json:"tenant_id"`
	OnlineCount   int     `json:"online_count"`
	OnlineUserIDs []int64 `json:"online_user_ids"`
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	registry := h.realtime.Registry()
	c.JSON(http.StatusOK, presenceResponsePayload{
		TenantID:      identity.TenantID,
		OnlineCount:   registry.OnlineCount(identity.TenantID),
		OnlineUserIDs: registry.OnlineUsers(identity.TenantID),
	})
}

type conversationResponsePayload struct {
	Messages []wire.MessagePayload `json:"messages"`
}

func (h *httpHandler) handleConversation(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	peerID, err := strconv.ParseInt(c.Param("peer_id"), 10, 64)
	if err != nil || peerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": messages.DetailInvalidReceiver})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
	}

	conversation, err := h.realtime.Conversation(c.Request.Context(), identity, peerID, limit)
	var validationErr *messages.ValidationError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, conversationResponsePayload{Messages: conversation})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, wire.Reply{Success: false, Error: realtime.ErrorValidationFailed, Details: validationErr.Details})
	case errors.Is(err, realtime.ErrPeerNotFound):
		h.logger.Warn("conversation with unknown or foreign peer rejected",
			zap.Int64("tenant_id", identity.TenantID),
			zap.Int64("user_id", identity.UserID),
			zap.Int64("peer_id", peerID))
		c.JSON(http.StatusNotFound, gin.H{"error": realtime.ErrorUserNotFound})
	default:
		h.logger.Error("failed to load conversation",
			zap.Int64("tenant_id", identity.TenantID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation_failed"})
	}
}

// handleSendMessage runs the same pipeline as message:send; all of the sender's
// connections receive the message as a push.
func (h *httpHandler) handleSendMessage(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request wire.SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, realtime.MalformedPayloadReply(err))
		return
	}

	reply := h.realtime.SendMessage(c.Request.Context(), identity, request, "")
	c.JSON(sendStatus(reply), reply)
}

func sendStatus(reply wire.Reply) int {
	if reply.Success {
		return http.StatusCreated
	}
	switch reply.Error {
	case realtime.ErrorValidationFailed:
		return http.StatusBadRequest
	case realtime.ErrorRecipientNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
