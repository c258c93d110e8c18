package streams

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/middleware"
	"github.com/lumen-live/backend/internal/models"
	"github.com/lumen-live/backend/pkg/response"
	"github.com/lumen-live/backend/pkg/storage"
)

// CreateRequest is the body for POST /streams.
type CreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
	IsPrivate   bool   `json:"is_private"`
}

// UpdateRequest is the body for PUT /streams/:id.
type UpdateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	IsPrivate   *bool   `json:"is_private"`
}

// Handler handles the stream session HTTP endpoints.
type Handler struct {
	store     *Store
	lifecycle *Lifecycle
	s3        *storage.S3 // nil when thumbnail storage is not configured
	logger    *zap.Logger
}

// NewHandler creates a stream handler.
func NewHandler(store *Store, lifecycle *Lifecycle, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{store: store, lifecycle: lifecycle, s3: s3, logger: logger}
}

// Create handles POST /streams.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	category := req.Category
	if category == "" {
		category = "general"
	}
	if !models.ValidCategory(category) {
		response.BadRequest(c, "invalid category")
		return
	}

	ownerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	sess, err := h.store.Create(c.Request.Context(), models.StreamDraft{
		OwnerID:     ownerID,
		Title:       req.Title,
		Description: req.Description,
		Category:    category,
		IsPrivate:   req.IsPrivate,
	})
	if err != nil {
		h.logger.Error("create stream failed", zap.Error(err))
		response.Internal(c, "failed to create stream")
		return
	}
	// The stream key is returned once, on creation; afterwards the owner
	// must fetch it through GET /streams/:id/key.
	response.Created(c, gin.H{"stream": sess, "stream_key": sess.StreamKey})
}

// List handles GET /streams: sessions owned by the caller.
func (h *Handler) List(c *gin.Context) {
	ownerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.store.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		response.Internal(c, "failed to list streams")
		return
	}
	response.OK(c, list)
}

// ListPublic handles GET /streams/public: live, non-private sessions.
func (h *Handler) ListPublic(c *gin.Context) {
	filter := models.PublicFilter{
		Category: c.Query("category"),
		Search:   c.Query("q"),
		Limit:    intQuery(c, "limit", 20),
		Offset:   intQuery(c, "offset", 0),
	}
	list, err := h.store.ListPublic(c.Request.Context(), filter)
	if err != nil {
		response.Internal(c, "failed to list public streams")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /streams/:id, served through the cache.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	sess, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			response.NotFound(c, "stream not found")
			return
		}
		response.Internal(c, "failed to fetch stream")
		return
	}
	response.OK(c, sess)
}

// Update handles PUT /streams/:id (owner only).
func (h *Handler) Update(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request")
		return
	}
	if req.Title != nil && *req.Title == "" {
		response.BadRequest(c, "title cannot be empty")
		return
	}
	if req.Category != nil && !models.ValidCategory(*req.Category) {
		response.BadRequest(c, "invalid category")
		return
	}
	updated, err := h.store.UpdateMetadata(c.Request.Context(), sess.ID, models.StreamPatch{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		IsPrivate:   req.IsPrivate,
	})
	if err != nil {
		response.Internal(c, "failed to update stream")
		return
	}
	response.OK(c, updated)
}

// Delete handles DELETE /streams/:id (owner only). A live session is ended
// first so viewers receive stream_ended before the record disappears.
func (h *Handler) Delete(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if sess.Status == models.StatusLive {
		if _, err := h.lifecycle.TransitionToEnded(c.Request.Context(), sess.ID); err != nil &&
			!errors.Is(err, models.ErrInvalidTransition) {
			response.Internal(c, "failed to end stream")
			return
		}
	}
	if err := h.store.Delete(c.Request.Context(), sess.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			response.NotFound(c, "stream not found")
			return
		}
		response.Internal(c, "failed to delete stream")
		return
	}
	response.NoContent(c)
}

// End handles POST /streams/:id/end: the owner's explicit end command.
func (h *Handler) End(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}
	ended, err := h.lifecycle.TransitionToEnded(c.Request.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			response.Conflict(c, "stream is not live")
			return
		}
		response.Internal(c, "failed to end stream")
		return
	}
	response.OK(c, ended)
}

// Cancel handles POST /streams/:id/cancel: ends a session that never went live.
func (h *Handler) Cancel(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}
	cancelled, err := h.lifecycle.Cancel(c.Request.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			response.Conflict(c, "stream can only be cancelled before going live")
			return
		}
		response.Internal(c, "failed to cancel stream")
		return
	}
	response.OK(c, cancelled)
}

// GetKey handles GET /streams/:id/key: the owner retrieves the publish secret.
func (h *Handler) GetKey(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}
	key, err := h.store.RevealKey(c.Request.Context(), sess.ID)
	if err != nil {
		response.Internal(c, "failed to fetch stream key")
		return
	}
	response.OK(c, gin.H{"stream_id": sess.ID, "stream_key": key})
}

// UploadThumbnail handles POST /streams/:id/thumbnail (multipart form, field "file").
func (h *Handler) UploadThumbnail(c *gin.Context) {
	if h.s3 == nil {
		response.Internal(c, "thumbnail storage not configured")
		return
	}
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file required")
		return
	}
	if fileHeader.Size > storage.MaxThumbnailSize {
		response.BadRequest(c, "file too large")
		return
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if !storage.ValidateThumbnailType(contentType, fileHeader.Filename) {
		response.BadRequest(c, "unsupported image type")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		response.Internal(c, "failed to read file")
		return
	}
	defer file.Close()

	key := storage.ThumbnailKey(sess.ID.String(), fileHeader.Filename)
	url, err := h.s3.UploadThumbnail(c.Request.Context(), key, contentType, file)
	if err != nil {
		h.logger.Error("thumbnail upload failed", zap.Error(err), zap.String("stream_id", sess.ID.String()))
		response.Internal(c, "failed to upload thumbnail")
		return
	}
	updated, err := h.store.UpdateThumbnailURL(c.Request.Context(), sess.ID, url)
	if err != nil {
		response.Internal(c, "failed to save thumbnail")
		return
	}
	response.OK(c, updated)
}

// ownedSession fetches the session from the :id param and enforces ownership.
func (h *Handler) ownedSession(c *gin.Context) (*models.StreamSession, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return nil, false
	}
	sess, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			response.NotFound(c, "stream not found")
			return nil, false
		}
		response.Internal(c, "failed to fetch stream")
		return nil, false
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if sess.OwnerID != userID {
		response.Forbidden(c, "only the owner can manage this stream")
		return nil, false
	}
	return sess, true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	if n, err := strconv.Atoi(c.Query(name)); err == nil && n >= 0 {
		return n
	}
	return fallback
}
