package chat

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lumen-live/backend/pkg/response"
)

// Handler serves chat history over HTTP.
type Handler struct {
	repo *Repository
}

// NewHandler creates a chat handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// History handles GET /streams/:id/chat.
func (h *Handler) History(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	list, err := h.repo.ListByStream(c.Request.Context(), streamID, limit, offset)
	if err != nil {
		response.Internal(c, "failed to list chat history")
		return
	}
	response.OK(c, list)
}
