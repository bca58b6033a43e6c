package app

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// NetworkCoordinator pauses sync and downloads while the remote server is
// unreachable and resumes what it paused once it is back
type NetworkCoordinator struct {
	sync  *SyncOrchestrator
	queue *QueueManager
	logs  *logger.LoggerAdapter

	mu         sync.Mutex
	online     bool
	syncPaused bool
}

// NewNetworkCoordinator creates a coordinator that assumes it starts online
func NewNetworkCoordinator(orchestrator *SyncOrchestrator, queue *QueueManager, logs *logger.LoggerAdapter) *NetworkCoordinator {
	return &NetworkCoordinator{sync: orchestrator, queue: queue, logs: logs, online: true}
}

// Online reports the last connectivity state seen
func (c *NetworkCoordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// HandleChange reacts to a connectivity transition
func (c *NetworkCoordinator) HandleChange(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if online == c.online {
		return
	}
	c.online = online

	if !online {
		c.logs.General().Warn("Remote server unreachable, pausing sync and downloads")
		if c.sync.PauseSync() {
			c.syncPaused = true
		}
		c.queue.PauseAll()
		return
	}

	c.logs.General().Info("Remote server reachable again, resuming")
	if err := c.queue.ResumeAll(context.Background()); err != nil {
		c.logs.LogAppError("Failed to resume downloads", zap.Error(err))
	}
	if c.syncPaused {
		c.syncPaused = false
		c.sync.Wait()
		c.sync.ResumeSync()
	}
}
