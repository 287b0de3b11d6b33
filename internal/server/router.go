package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bichsonnhat/cr-sqlite/internal/database"
	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"github.com/bichsonnhat/cr-sqlite/internal/replication"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	siteIDContextKey         = "crsync_site_id"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
	maxMessageBytes          = 8 << 20

	eventMessage   = "message"
	eventHeartbeat = "heartbeat"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingService        = errors.New("sync service dependency required")
	errMissingSessions       = errors.New("session hub dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the peer it was issued to.
type TokenValidator interface {
	ValidateToken(token string) (protocol.SiteID, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenValidator    TokenValidator
	Service           *Service
	Sessions          *SessionHub
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin router serving the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Service == nil {
		return nil, errMissingService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.TokenValidator,
		service:   deps.Service,
		sessions:  deps.Sessions,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/rpc", handler.handleRPC)
	protected.GET("/dbs/:dbid/sessions/:session/events", handler.handleSessionEvents)
	protected.POST("/dbs/:dbid/sessions/:session/messages", handler.handleSessionMessage)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	service   *Service
	sessions  *SessionHub
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRPC(c *gin.Context) {
	peer := c.MustGet(siteIDContextKey).(protocol.SiteID)

	msg, ok := h.readMessage(c)
	if !ok {
		return
	}

	reply, err := h.service.Handle(c.Request.Context(), peer, msg)
	if err != nil {
		var serviceErr *ServiceError
		code := "sync_failed"
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		c.JSON(statusForServiceError(err), gin.H{"error": code})
		return
	}
	if reply == nil {
		c.Status(http.StatusNoContent)
		return
	}

	payload, err := protocol.Encode(reply)
	if err != nil {
		h.logger.Error("failed to encode reply", zap.Stringer("tag", reply.Tag()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (h *httpHandler) handleSessionEvents(c *gin.Context) {
	peer := c.MustGet(siteIDContextKey).(protocol.SiteID)
	dbid, err := protocol.ParseSiteID(c.Param("dbid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_dbid"})
		return
	}
	sessionID := strings.TrimSpace(c.Param("session"))

	ctx := c.Request.Context()
	session, err := h.sessions.Open(ctx, dbid, sessionID, peer)
	if err != nil {
		if errors.Is(err, errSessionExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "session_exists"})
			return
		}
		h.logger.Error("failed to open session", zap.String("session", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_open_failed"})
		return
	}
	defer h.sessions.Release(session)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := session.Start(ctx); err != nil {
		h.logger.Error("failed to start session", zap.String("session", sessionID), zap.Error(err))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-session.Done():
			if err := session.Err(); err != nil {
				h.logger.Warn("session stream failed", zap.String("session", sessionID), zap.Error(err))
			}
			return false
		case frame := <-session.Frames():
			c.SSEvent(eventMessage, string(frame))
			return true
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, "")
			return true
		}
	})
}

func (h *httpHandler) handleSessionMessage(c *gin.Context) {
	peer := c.MustGet(siteIDContextKey).(protocol.SiteID)
	sessionID := strings.TrimSpace(c.Param("session"))

	session, ok := h.sessions.Lookup(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errSessionNotFound.Error()})
		return
	}
	dbid, err := protocol.ParseSiteID(c.Param("dbid"))
	if err != nil || session.Peer != peer || session.DBID != dbid {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	msg, ok := h.readMessage(c)
	if !ok {
		return
	}
	if changes, isChanges := msg.(protocol.Changes); isChanges && changes.Sender != peer {
		h.logger.Warn("refusing changes from impersonated sender",
			zap.String("peer", peer.String()),
			zap.String("sender", changes.Sender.String()))
		c.JSON(http.StatusForbidden, gin.H{"error": "sender_mismatch"})
		return
	}

	if err := session.Deliver(c.Request.Context(), msg); err != nil {
		h.logger.Info("session no longer accepts messages", zap.String("session", sessionID), zap.Error(err))
		c.JSON(http.StatusGone, gin.H{"error": "session_closed"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) readMessage(c *gin.Context) (protocol.Message, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxMessageBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message_too_large"})
		return nil, false
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		response := gin.H{"error": "invalid_message"}
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			response["field"] = decodeErr.Field
		}
		c.JSON(http.StatusBadRequest, response)
		return nil, false
	}
	return msg, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	site, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(siteIDContextKey, site)
	c.Next()
}

// bearerToken reads the Authorization header. Event streams may pass the
// token as a query parameter since browsers cannot set headers on them.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	if c.Request.Method == http.MethodGet {
		token := strings.TrimSpace(c.Query(accessTokenQueryKey))
		return token, token != ""
	}
	return "", false
}

func statusForServiceError(err error) int {
	switch {
	case errors.Is(err, errSenderMismatch):
		return http.StatusForbidden
	case errors.Is(err, errSchemaMismatch), errors.Is(err, errSchemaDowngrade):
		return http.StatusConflict
	case errors.Is(err, database.ErrSchemaNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrInvalidSchema),
		errors.Is(err, errUnexpectedMessage),
		errors.Is(err, replication.ErrMalformedBatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
