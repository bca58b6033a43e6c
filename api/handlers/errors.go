package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// respondError maps engine errors to status codes. Unexpected errors are
// logged before the 500 goes out.
func respondError(c *gin.Context, logs *logger.LoggerAdapter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrSyncRunning):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logs.LogAppError(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
