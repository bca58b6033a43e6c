package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/eventbus"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// Notifier receives user-facing download and sync events
type Notifier interface {
	NotifyDownloadCompleted(job *domain.DownloadJob)
	NotifyDownloadFailed(job *domain.DownloadJob)
	NotifySyncFinished(result domain.ReconcileResult)
	NotifySyncFailed(err error)
}

// ConnectivityMonitor reports reachability of the remote server
type ConnectivityMonitor interface {
	OnChange(fn func(online bool))
	Online() bool
	Run(ctx context.Context) error
}

// Dependencies are the adapters the engine is built from
type Dependencies struct {
	Store    domain.Store
	Source   domain.LibrarySource
	Fetcher  domain.MediaFetcher
	Locator  domain.StreamLocator
	Monitor  ConnectivityMonitor
	Notifier Notifier
	Bus      *eventbus.Bus
	Logs     *logger.LoggerAdapter
}

// Engine wires the sync orchestrator, download queue and offline resolver
// around one store
type Engine struct {
	config  *domain.Config
	store   domain.Store
	monitor ConnectivityMonitor
	logs    *logger.LoggerAdapter

	Sync     *SyncOrchestrator
	Queue    *QueueManager
	Resolver *OfflineResolver
	Network  *NetworkCoordinator
}

// NewEngine builds an engine. Monitor and Notifier are optional.
func NewEngine(config *domain.Config, deps Dependencies) (*Engine, error) {
	switch {
	case config == nil:
		return nil, errors.New("engine: config is required")
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Source == nil:
		return nil, errors.New("engine: library source is required")
	case deps.Fetcher == nil:
		return nil, errors.New("engine: media fetcher is required")
	case deps.Locator == nil:
		return nil, errors.New("engine: stream locator is required")
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New(deps.Logs.General())
	}

	orchestrator := NewSyncOrchestrator(deps.Store, deps.Source, config.Sync, deps.Bus, deps.Notifier, deps.Logs)
	worker := NewDownloadWorker(deps.Fetcher, deps.Store, config.Download, config.Storage.CacheDir, deps.Logs)
	queue := NewQueueManager(deps.Store, worker, config.Download, deps.Notifier, deps.Logs)

	return &Engine{
		config:   config,
		store:    deps.Store,
		monitor:  deps.Monitor,
		logs:     deps.Logs,
		Sync:     orchestrator,
		Queue:    queue,
		Resolver: NewOfflineResolver(deps.Store, deps.Locator, deps.Logs),
		Network:  NewNetworkCoordinator(orchestrator, queue, deps.Logs),
	}, nil
}

// Start launches the download workers and the initial sync as configured
func (e *Engine) Start(ctx context.Context) error {
	if e.monitor != nil {
		e.monitor.OnChange(e.Network.HandleChange)
	}
	if e.config.Download.AutoStartWorkers {
		if err := e.Queue.Start(ctx); err != nil {
			return fmt.Errorf("failed to start download queue: %w", err)
		}
	}
	if e.monitor != nil && !e.monitor.Online() {
		e.Network.HandleChange(false)
	}
	if e.config.Sync.SyncOnStart {
		e.Sync.SyncNow(ctx)
	}
	e.logs.General().Info("Engine started",
		zap.Bool("workers", e.Queue.IsRunning()),
		zap.Bool("sync_on_start", e.config.Sync.SyncOnStart))
	return nil
}

// Run starts the engine, watches connectivity until ctx is done, then stops
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	if e.monitor == nil {
		<-ctx.Done()
		return nil
	}
	if err := e.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop interrupts sync and downloads. Interrupted work resumes on the next
// start.
func (e *Engine) Stop() {
	e.Sync.Stop()
	if e.Queue.IsRunning() {
		if err := e.Queue.Stop(); err != nil {
			e.logs.LogAppError("Failed to stop download queue", zap.Error(err))
		}
	}
	e.logs.General().Info("Engine stopped")
}

// SyncNow starts an incremental sync; false means it joined an active run
func (e *Engine) SyncNow(ctx context.Context) bool { return e.Sync.SyncNow(ctx) }

// ForceResync walks the whole library again
func (e *Engine) ForceResync(ctx context.Context) { e.Sync.ForceResync(ctx) }

func (e *Engine) PauseSync() bool  { return e.Sync.PauseSync() }
func (e *Engine) ResumeSync() bool { return e.Sync.ResumeSync() }
func (e *Engine) CancelSync() bool { return e.Sync.CancelSync() }

// SyncState returns the latest sync state
func (e *Engine) SyncState() domain.SyncState { return e.Sync.State() }

// Cursors returns the stored per-type sync progress
func (e *Engine) Cursors(ctx context.Context) ([]*domain.SyncCursor, error) {
	return e.store.ListCursors(ctx)
}

func (e *Engine) QueueDownloads(ctx context.Context, items []domain.DownloadRequest) ([]*domain.DownloadJob, error) {
	return e.Queue.QueueDownloads(ctx, items)
}

func (e *Engine) PauseDownload(ctx context.Context, id string) error {
	return e.Queue.PauseDownload(ctx, id)
}

func (e *Engine) ResumeDownload(ctx context.Context, id string) error {
	return e.Queue.ResumeDownload(ctx, id)
}

func (e *Engine) CancelDownload(ctx context.Context, id string) error {
	return e.Queue.CancelDownload(ctx, id)
}

func (e *Engine) RetryDownload(ctx context.Context, id string) error {
	return e.Queue.RetryDownload(ctx, id)
}

func (e *Engine) DeleteDownload(ctx context.Context, id, mediaID string) error {
	return e.Queue.DeleteDownload(ctx, id, mediaID)
}

func (e *Engine) ClearCompleted(ctx context.Context) (int, error) {
	return e.Queue.ClearCompleted(ctx)
}

func (e *Engine) GetDownload(ctx context.Context, id string) (*domain.DownloadJob, error) {
	return e.Queue.GetDownload(ctx, id)
}

func (e *Engine) DownloadLists(ctx context.Context) (domain.DownloadLists, error) {
	return e.Queue.Lists(ctx)
}

func (e *Engine) DownloadStats(ctx context.Context) (*domain.DownloadStats, error) {
	return e.Queue.Stats(ctx)
}

// Resolve picks local or streamed playback for a track
func (e *Engine) Resolve(ctx context.Context, mediaID string) (domain.Playback, error) {
	return e.Resolver.Resolve(ctx, mediaID)
}

// Play resolves a track and records the play
func (e *Engine) Play(ctx context.Context, mediaID string) (domain.Playback, error) {
	return e.Resolver.Play(ctx, mediaID)
}

// WatchSync streams sync state, starting with the current one
func (e *Engine) WatchSync(ctx context.Context) <-chan domain.SyncState {
	return e.Sync.Watch(ctx)
}

// WatchDownloads streams the partitioned job lists whenever a job changes.
// Slow readers only ever see the latest lists.
func (e *Engine) WatchDownloads(ctx context.Context) <-chan domain.DownloadLists {
	changes := e.store.Watch(ctx, domain.TopicDownloads)
	out := make(chan domain.DownloadLists, 1)

	send := func() {
		lists, err := e.Queue.Lists(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.logs.General().Warn("Failed to list downloads", zap.Error(err))
			}
			return
		}
		select {
		case <-out:
		default:
		}
		out <- lists
	}

	go func() {
		defer close(out)
		send()
		for range changes {
			send()
		}
	}()
	return out
}
