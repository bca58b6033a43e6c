package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CraftWorksMC/Chora-sub000/internal/app"
	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// SyncHandler handles library sync requests
type SyncHandler struct {
	engine *app.Engine
	logs   *logger.LoggerAdapter
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(engine *app.Engine, logs *logger.LoggerAdapter) *SyncHandler {
	return &SyncHandler{engine: engine, logs: logs}
}

// SyncStatusResponse is the body of GET /api/v1/sync
type SyncStatusResponse struct {
	State      domain.SyncState       `json:"state"`
	Running    bool                   `json:"running"`
	LastResult domain.ReconcileResult `json:"last_result"`
	Cursors    []*domain.SyncCursor   `json:"cursors"`
}

// GetStatus handles GET /api/v1/sync
func (h *SyncHandler) GetStatus(c *gin.Context) {
	cursors, err := h.engine.Cursors(c.Request.Context())
	if err != nil {
		respondError(c, h.logs, "Failed to list sync cursors", err)
		return
	}
	c.JSON(http.StatusOK, SyncStatusResponse{
		State:      h.engine.SyncState(),
		Running:    h.engine.Sync.IsRunning(),
		LastResult: h.engine.Sync.LastResult(),
		Cursors:    cursors,
	})
}

// SyncNow handles POST /api/v1/sync/now
func (h *SyncHandler) SyncNow(c *gin.Context) {
	started := h.engine.SyncNow(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{
		"started": started,
		"state":   h.engine.SyncState(),
	})
}

// ForceResync handles POST /api/v1/sync/force
func (h *SyncHandler) ForceResync(c *gin.Context) {
	h.engine.ForceResync(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"message": "full resync scheduled"})
}

// PauseSync handles POST /api/v1/sync/pause
func (h *SyncHandler) PauseSync(c *gin.Context) {
	h.toggle(c, h.engine.PauseSync(), "sync paused", "no sync running")
}

// ResumeSync handles POST /api/v1/sync/resume
func (h *SyncHandler) ResumeSync(c *gin.Context) {
	h.toggle(c, h.engine.ResumeSync(), "sync resumed", "sync is not paused")
}

// CancelSync handles POST /api/v1/sync/cancel
func (h *SyncHandler) CancelSync(c *gin.Context) {
	h.toggle(c, h.engine.CancelSync(), "sync cancelled", "nothing to cancel")
}

func (h *SyncHandler) toggle(c *gin.Context, ok bool, done, conflict string) {
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": conflict, "state": h.engine.SyncState()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": done})
}
