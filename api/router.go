package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CraftWorksMC/Chora-sub000/api/handlers"
	"github.com/CraftWorksMC/Chora-sub000/api/middleware"
	"github.com/CraftWorksMC/Chora-sub000/internal/app"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// SetupRouter sets up the HTTP router around an engine. logsDir is where the
// categorized log files live.
func SetupRouter(engine *app.Engine, logs *logger.LoggerAdapter, logsDir string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.Logger(logs))
	router.Use(middleware.Recovery(logs))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(engine)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		syncHandler := handlers.NewSyncHandler(engine, logs)
		sync := v1.Group("/sync")
		{
			sync.GET("", syncHandler.GetStatus)
			sync.POST("/now", syncHandler.SyncNow)
			sync.POST("/force", syncHandler.ForceResync)
			sync.POST("/pause", syncHandler.PauseSync)
			sync.POST("/resume", syncHandler.ResumeSync)
			sync.POST("/cancel", syncHandler.CancelSync)
		}

		downloadHandler := handlers.NewDownloadHandler(engine, logs)
		downloads := v1.Group("/downloads")
		{
			downloads.POST("", downloadHandler.QueueDownloads)
			downloads.GET("", downloadHandler.ListDownloads)
			downloads.GET("/stats", downloadHandler.GetStats)
			downloads.POST("/clear-completed", downloadHandler.ClearCompleted)
			downloads.GET("/:id", downloadHandler.GetDownload)
			downloads.POST("/:id/pause", downloadHandler.PauseDownload)
			downloads.POST("/:id/resume", downloadHandler.ResumeDownload)
			downloads.POST("/:id/cancel", downloadHandler.CancelDownload)
			downloads.POST("/:id/retry", downloadHandler.RetryDownload)
			downloads.DELETE("/:id", downloadHandler.DeleteDownload)
		}

		playbackHandler := handlers.NewPlaybackHandler(engine, logs)
		v1.GET("/playback/:media_id", playbackHandler.Resolve)
		v1.POST("/playback/:media_id/play", playbackHandler.Play)

		logHandler := handlers.NewLogHandler(logsDir)
		logRoutes := v1.Group("/logs")
		{
			logRoutes.GET("/categories", logHandler.GetCategories)
			logRoutes.GET("/:category", logHandler.GetLogs)
			logRoutes.GET("/:category/search", logHandler.SearchLogs)
			logRoutes.GET("/:category/export", logHandler.ExportLogs)
		}

		eventsHandler := handlers.NewEventsHandler(engine, logs)
		v1.GET("/events", eventsHandler.HandleWebSocket)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
