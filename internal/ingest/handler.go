package ingest

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
	"github.com/lumen-live/backend/internal/streams"
	"github.com/lumen-live/backend/pkg/response"
)

// Handler exposes the media server callbacks: publish handshake, keepalive
// and un-publish. Requests come from the ingest tier, not from viewers, so a
// rejection closes the ingest connection and nothing more.
type Handler struct {
	auth      *Authenticator
	lifecycle *streams.Lifecycle
	watchdog  *Watchdog
	secret    string // optional shared secret for callback requests
	logger    *zap.Logger
}

// NewHandler creates the ingest callback handler.
func NewHandler(auth *Authenticator, lifecycle *streams.Lifecycle, watchdog *Watchdog, secret string, logger *zap.Logger) *Handler {
	return &Handler{auth: auth, lifecycle: lifecycle, watchdog: watchdog, secret: secret, logger: logger}
}

// publishRequest is the body for POST /ingest/publish.
type publishRequest struct {
	StreamKey string `json:"stream_key" binding:"required"`
}

// streamRequest is the body for keepalive / unpublish callbacks.
type streamRequest struct {
	StreamID string `json:"stream_id" binding:"required"`
}

// Publish handles the ingest handshake: the media server presents the stream
// key encoded in the broadcaster's connection path.
func (h *Handler) Publish(c *gin.Context) {
	if !h.authorized(c) {
		return
	}
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "stream_key required")
		return
	}
	streamID, err := h.auth.Authenticate(c.Request.Context(), req.StreamKey)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			// Tells the media server to close the ingest connection.
			response.Forbidden(c, "publish rejected")
			return
		}
		response.Internal(c, "publish failed")
		return
	}
	h.watchdog.Track(streamID)
	response.OK(c, gin.H{"stream_id": streamID})
}

// Keepalive handles the periodic ingest liveness signal.
func (h *Handler) Keepalive(c *gin.Context) {
	if !h.authorized(c) {
		return
	}
	streamID, ok := h.parseStreamID(c)
	if !ok {
		return
	}
	if !h.watchdog.Touch(streamID) {
		response.NotFound(c, "stream not live")
		return
	}
	response.OK(c, gin.H{"stream_id": streamID})
}

// Unpublish handles the ingest connection closing: implicit un-publish.
func (h *Handler) Unpublish(c *gin.Context) {
	if !h.authorized(c) {
		return
	}
	streamID, ok := h.parseStreamID(c)
	if !ok {
		return
	}
	if _, err := h.lifecycle.TransitionToEnded(c.Request.Context(), streamID); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidTransition):
			// Already ended (explicit end raced the un-publish); nothing to do.
			response.Conflict(c, "stream not live")
		case errors.Is(err, models.ErrNotFound):
			response.NotFound(c, "stream not found")
		default:
			response.Internal(c, "un-publish failed")
		}
		return
	}
	response.OK(c, gin.H{"stream_id": streamID})
}

func (h *Handler) parseStreamID(c *gin.Context) (uuid.UUID, bool) {
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "stream_id required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(req.StreamID)
	if err != nil {
		response.BadRequest(c, "invalid stream_id")
		return uuid.Nil, false
	}
	return id, true
}

// authorized enforces the optional shared callback secret.
func (h *Handler) authorized(c *gin.Context) bool {
	if h.secret == "" {
		return true
	}
	got := c.GetHeader("X-Ingest-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		h.logger.Warn("ingest callback with bad secret", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		c.Abort()
		return false
	}
	return true
}
