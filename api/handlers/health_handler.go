package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CraftWorksMC/Chora-sub000/internal/app"
	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

// Version is reported by the health endpoint and overridden at link time
var Version = "dev"

// HealthHandler handles health check requests
type HealthHandler struct {
	engine *app.Engine
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(engine *app.Engine) *HealthHandler {
	return &HealthHandler{engine: engine}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Online  bool   `json:"online"`
	Queue   struct {
		Running bool `json:"running"`
		Active  int  `json:"active"`
	} `json:"queue"`
	Sync domain.SyncPhase `json:"sync"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:  "ok",
		Version: Version,
		Online:  h.engine.Network.Online(),
		Sync:    h.engine.SyncState().Phase,
	}
	response.Queue.Running = h.engine.Queue.IsRunning()
	response.Queue.Active = h.engine.Queue.ActiveCount()

	c.JSON(http.StatusOK, response)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.engine.Queue.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "download queue not running",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
