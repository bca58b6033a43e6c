package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/app"
	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event is one message on the events socket
type Event struct {
	Type string      `json:"type"` // sync, downloads
	Data interface{} `json:"data"`
}

// EventsHandler pushes sync state and download list changes over a WebSocket
type EventsHandler struct {
	engine *app.Engine
	logs   *logger.LoggerAdapter
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(engine *app.Engine, logs *logger.LoggerAdapter) *EventsHandler {
	return &EventsHandler{engine: engine, logs: logs}
}

// HandleWebSocket handles GET /api/v1/events. The optional "topics" query
// parameter limits the stream to sync or downloads.
func (h *EventsHandler) HandleWebSocket(c *gin.Context) {
	wantSync, wantDownloads := true, true
	switch c.Query("topics") {
	case "sync":
		wantDownloads = false
	case "downloads":
		wantSync = false
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logs.General().Warn("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logs.General().Debug("Events client connected",
		zap.String("remote_addr", c.Request.RemoteAddr))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads only detect the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var (
		syncStates <-chan domain.SyncState
		downloads  <-chan domain.DownloadLists
	)
	if wantSync {
		syncStates = h.engine.WatchSync(ctx)
	}
	if wantDownloads {
		downloads = h.engine.WatchDownloads(ctx)
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		var event Event
		select {
		case state, ok := <-syncStates:
			if !ok {
				return
			}
			event = Event{Type: "sync", Data: state}
		case lists, ok := <-downloads:
			if !ok {
				return
			}
			event = Event{Type: "downloads", Data: lists}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
			continue
		case <-ctx.Done():
			return
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			h.logs.General().Debug("Events client write failed", zap.Error(err))
			return
		}
	}
}
