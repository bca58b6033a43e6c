package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CraftWorksMC/Chora-sub000/internal/app"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// PlaybackHandler answers where a track should be played from
type PlaybackHandler struct {
	engine *app.Engine
	logs   *logger.LoggerAdapter
}

// NewPlaybackHandler creates a new playback handler
func NewPlaybackHandler(engine *app.Engine, logs *logger.LoggerAdapter) *PlaybackHandler {
	return &PlaybackHandler{engine: engine, logs: logs}
}

// Resolve handles GET /api/v1/playback/:media_id
func (h *PlaybackHandler) Resolve(c *gin.Context) {
	playback, err := h.engine.Resolve(c.Request.Context(), c.Param("media_id"))
	if err != nil {
		respondError(c, h.logs, "Failed to resolve playback", err)
		return
	}
	c.JSON(http.StatusOK, playback)
}

// Play handles POST /api/v1/playback/:media_id/play
func (h *PlaybackHandler) Play(c *gin.Context) {
	playback, err := h.engine.Play(c.Request.Context(), c.Param("media_id"))
	if err != nil {
		respondError(c, h.logs, "Failed to start playback", err)
		return
	}
	c.JSON(http.StatusOK, playback)
}
