package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/app"
	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// DownloadHandler handles download-related HTTP requests
type DownloadHandler struct {
	engine *app.Engine
	logs   *logger.LoggerAdapter
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(engine *app.Engine, logs *logger.LoggerAdapter) *DownloadHandler {
	return &DownloadHandler{engine: engine, logs: logs}
}

// QueueDownloadsRequest represents a request to queue tracks for offline use
type QueueDownloadsRequest struct {
	Items []domain.DownloadRequest `json:"items" binding:"required,min=1,dive"`
}

// QueueDownloads handles POST /api/v1/downloads
func (h *DownloadHandler) QueueDownloads(c *gin.Context) {
	var req QueueDownloadsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs, err := h.engine.QueueDownloads(c.Request.Context(), req.Items)
	if err != nil {
		respondError(c, h.logs, "Failed to queue downloads", err)
		return
	}

	h.logs.General().Debug("Queued downloads via API",
		zap.Int("requested", len(req.Items)),
		zap.Int("queued", len(jobs)))
	c.JSON(http.StatusCreated, gin.H{"queued": jobs})
}

// GetDownload handles GET /api/v1/downloads/:id
func (h *DownloadHandler) GetDownload(c *gin.Context) {
	job, err := h.engine.GetDownload(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logs, "Failed to get download", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListDownloads handles GET /api/v1/downloads
func (h *DownloadHandler) ListDownloads(c *gin.Context) {
	lists, err := h.engine.DownloadLists(c.Request.Context())
	if err != nil {
		respondError(c, h.logs, "Failed to list downloads", err)
		return
	}

	switch c.Query("group") {
	case "":
		c.JSON(http.StatusOK, lists)
	case "active":
		c.JSON(http.StatusOK, lists.Active)
	case "completed":
		c.JSON(http.StatusOK, lists.Completed)
	case "failed":
		c.JSON(http.StatusOK, lists.Failed)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "group must be active, completed or failed"})
	}
}

// GetStats handles GET /api/v1/downloads/stats
func (h *DownloadHandler) GetStats(c *gin.Context) {
	stats, err := h.engine.DownloadStats(c.Request.Context())
	if err != nil {
		respondError(c, h.logs, "Failed to get stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// PauseDownload handles POST /api/v1/downloads/:id/pause
func (h *DownloadHandler) PauseDownload(c *gin.Context) {
	h.act(c, "paused", h.engine.PauseDownload)
}

// ResumeDownload handles POST /api/v1/downloads/:id/resume
func (h *DownloadHandler) ResumeDownload(c *gin.Context) {
	h.act(c, "resumed", h.engine.ResumeDownload)
}

// CancelDownload handles POST /api/v1/downloads/:id/cancel
func (h *DownloadHandler) CancelDownload(c *gin.Context) {
	h.act(c, "cancelled", h.engine.CancelDownload)
}

// RetryDownload handles POST /api/v1/downloads/:id/retry
func (h *DownloadHandler) RetryDownload(c *gin.Context) {
	h.act(c, "queued for retry", h.engine.RetryDownload)
}

// DeleteDownload handles DELETE /api/v1/downloads/:id?media_id=
func (h *DownloadHandler) DeleteDownload(c *gin.Context) {
	id := c.Param("id")
	mediaID := c.Query("media_id")
	if mediaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter 'media_id' is required"})
		return
	}

	if err := h.engine.DeleteDownload(c.Request.Context(), id, mediaID); err != nil {
		respondError(c, h.logs, "Failed to delete download", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "download deleted"})
}

// ClearCompleted handles POST /api/v1/downloads/clear-completed
func (h *DownloadHandler) ClearCompleted(c *gin.Context) {
	n, err := h.engine.ClearCompleted(c.Request.Context())
	if err != nil {
		respondError(c, h.logs, "Failed to clear completed downloads", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (h *DownloadHandler) act(c *gin.Context, verb string, fn func(ctx context.Context, id string) error) {
	id := c.Param("id")
	if err := fn(c.Request.Context(), id); err != nil {
		respondError(c, h.logs, "Download action failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "download " + verb})
}
