package store

import (
	"errors"
	"net/http"

	"go_rex/internal/httpx"
	"go_rex/internal/memstore"

	"github.com/gin-gonic/gin"
)

// Handler serves staged task files to agents
type Handler struct {
	files memstore.Store
}

// NewHandler creates a new store handler
func NewHandler(files memstore.Store) *Handler {
	return &Handler{files: files}
}

// Get handles GET /dynflow/tasks/store/:task/:step/:file
func (h *Handler) Get(c *gin.Context) {
	content, err := h.files.Get(c.Request.Context(), c.Param("task"), c.Param("step"), c.Param("file"))
	if errors.Is(err, memstore.ErrNotFound) {
		httpx.FailErr(c, httpx.ErrNotFound("file not found"))
		return
	}
	if err != nil {
		httpx.FailErr(c, httpx.ErrStorageError("failed to read staged file", err))
		return
	}

	c.Data(http.StatusOK, "text/x-shellscript; charset=utf-8", []byte(content))
}
