package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// How often the scheduler looks for runnable jobs without being woken
const defaultCheckInterval = 2 * time.Second

// Cancellation causes of a running download
var (
	errPauseUser    = errors.New("paused by user")
	errPauseNetwork = errors.New("paused while offline")
	errCancelled    = errors.New("download cancelled")
	errShutdown     = errors.New("queue stopped")
)

var activeStatuses = []domain.DownloadStatus{
	domain.StatusQueued, domain.StatusDownloading, domain.StatusPaused,
}

// activeRun is a worker goroutine owning one DOWNLOADING job
type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// QueueManager schedules download jobs onto a bounded pool of workers. Every
// status change of a running job is applied by its runner after the worker
// returns, under mu, so the store never sees conflicting writes.
type QueueManager struct {
	store         domain.Store
	worker        *DownloadWorker
	config        domain.DownloadConfig
	notifier      Notifier
	logs          *logger.LoggerAdapter
	checkInterval time.Duration

	mu       sync.Mutex
	running  bool
	offline  bool
	active   map[string]*activeRun
	wake     chan struct{}
	stopChan chan struct{}
	loopWg   sync.WaitGroup
	runWg    sync.WaitGroup
}

// NewQueueManager creates a new queue manager
func NewQueueManager(
	store domain.Store,
	worker *DownloadWorker,
	config domain.DownloadConfig,
	notifier Notifier,
	logs *logger.LoggerAdapter,
) *QueueManager {
	if config.ConcurrentLimit < 1 {
		config.ConcurrentLimit = 1
	}
	return &QueueManager{
		store:         store,
		worker:        worker,
		config:        config,
		notifier:      notifier,
		logs:          logs,
		checkInterval: defaultCheckInterval,
		active:        make(map[string]*activeRun),
		wake:          make(chan struct{}, 1),
	}
}

// Start recovers jobs interrupted by a previous process and starts the
// scheduler loop
func (qm *QueueManager) Start(ctx context.Context) error {
	qm.mu.Lock()
	if qm.running {
		qm.mu.Unlock()
		return fmt.Errorf("queue manager already running")
	}
	qm.running = true
	qm.stopChan = make(chan struct{})
	qm.mu.Unlock()

	if err := qm.recoverInterrupted(ctx); err != nil {
		qm.logs.LogAppError("Failed to recover interrupted downloads", zap.Error(err))
	}

	qm.logs.LogQueueEvent("queue_started", zap.Int("concurrent_limit", qm.config.ConcurrentLimit))

	qm.loopWg.Add(1)
	go qm.processQueue(ctx)
	qm.Wake()
	return nil
}

// Stop halts the scheduler and pauses running jobs so they resume on the
// next start
func (qm *QueueManager) Stop() error {
	qm.mu.Lock()
	if !qm.running {
		qm.mu.Unlock()
		return fmt.Errorf("queue manager not running")
	}
	qm.running = false
	close(qm.stopChan)
	for _, run := range qm.active {
		run.cancel(errShutdown)
	}
	qm.mu.Unlock()

	qm.loopWg.Wait()
	qm.runWg.Wait()
	qm.logs.LogQueueEvent("queue_stopped")
	return nil
}

// IsRunning returns whether the queue manager is running
func (qm *QueueManager) IsRunning() bool {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	return qm.running
}

// Wake triggers a scheduling pass
func (qm *QueueManager) Wake() {
	select {
	case qm.wake <- struct{}{}:
	default:
	}
}

// ActiveCount returns the number of running workers
func (qm *QueueManager) ActiveCount() int {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	return len(qm.active)
}

// QueueDownloads adds jobs for items. Media that already has an active job
// or a valid cached file is skipped; a failed job is queued again and a
// completed job whose file went missing is replaced.
func (qm *QueueManager) QueueDownloads(ctx context.Context, items []domain.DownloadRequest) ([]*domain.DownloadJob, error) {
	var queued []*domain.DownloadJob
	base := time.Now()
	seen := make(map[string]bool, len(items))

	err := qm.store.Transaction(ctx, func(tx domain.Store) error {
		queued = queued[:0]
		for i, item := range items {
			if item.MediaID == "" || seen[item.MediaID] {
				continue
			}
			seen[item.MediaID] = true

			job, err := qm.prepareJob(ctx, tx, item)
			if err != nil {
				return fmt.Errorf("queue %s: %w", item.MediaID, err)
			}
			if job == nil {
				continue
			}
			if job.CreatedAt.IsZero() {
				// Keep batch order stable for FIFO scheduling.
				job.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
				job.UpdatedAt = job.CreatedAt
				if err := tx.CreateJob(ctx, job); err != nil {
					return err
				}
			}
			queued = append(queued, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue downloads: %w", err)
	}

	for _, job := range queued {
		qm.logs.LogQueueEvent("download_queued",
			zap.String("id", job.ID),
			zap.String("media_id", job.MediaID),
			zap.String("title", job.Title))
	}
	if len(queued) > 0 {
		qm.Wake()
	}
	return queued, nil
}

// prepareJob returns the job to enqueue for item, or nil to skip it. A new
// job is returned with a zero CreatedAt.
func (qm *QueueManager) prepareJob(ctx context.Context, tx domain.Store, item domain.DownloadRequest) (*domain.DownloadJob, error) {
	active, err := tx.FindJobByMedia(ctx, item.MediaID, activeStatuses...)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, nil
	}

	completed, err := tx.FindJobByMedia(ctx, item.MediaID, domain.StatusCompleted)
	if err != nil {
		return nil, err
	}
	if completed != nil {
		file, err := tx.GetOfflineFile(ctx, item.MediaID)
		switch {
		case err == nil && !file.Stale && fileExists(file.FilePath):
			return nil, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
		if err := tx.DeleteJob(ctx, completed.ID); err != nil {
			return nil, err
		}
		if err := tx.DeleteOfflineFile(ctx, item.MediaID); err != nil {
			return nil, err
		}
	}

	failed, err := tx.FindJobByMedia(ctx, item.MediaID, domain.StatusFailed)
	if err != nil {
		return nil, err
	}
	if failed != nil {
		wasRetryable := failed.Retryable
		if err := failed.MarkRequeued(); err != nil {
			return nil, err
		}
		if !wasRetryable {
			os.Remove(qm.worker.TempPath(failed.ID))
		}
		return failed, tx.UpdateJob(ctx, failed)
	}

	job := domain.NewDownloadJob(item)
	job.CreatedAt = time.Time{}
	return job, nil
}

// GetDownload retrieves a job by ID
func (qm *QueueManager) GetDownload(ctx context.Context, id string) (*domain.DownloadJob, error) {
	return qm.store.GetJob(ctx, id)
}

// Lists returns jobs partitioned into active, completed and failed
func (qm *QueueManager) Lists(ctx context.Context) (domain.DownloadLists, error) {
	jobs, err := qm.store.ListJobs(ctx)
	if err != nil {
		return domain.DownloadLists{}, err
	}
	return domain.PartitionJobs(jobs), nil
}

// Stats returns job counts per status
func (qm *QueueManager) Stats(ctx context.Context) (*domain.DownloadStats, error) {
	return qm.store.JobStats(ctx)
}

// PauseDownload interrupts a running job at its next chunk boundary. Bytes
// already written stay in the partial file.
func (qm *QueueManager) PauseDownload(ctx context.Context, id string) error {
	qm.mu.Lock()
	job, err := qm.store.GetJob(ctx, id)
	if err != nil {
		qm.mu.Unlock()
		return err
	}

	switch job.Status {
	case domain.StatusDownloading:
		if run, ok := qm.active[id]; ok {
			run.cancel(errPauseUser)
			qm.mu.Unlock()
			<-run.done
			return nil
		}
		defer qm.mu.Unlock()
		if err := job.MarkPaused(domain.PauseUser); err != nil {
			return err
		}
		return qm.store.UpdateJob(ctx, job)

	case domain.StatusPaused:
		defer qm.mu.Unlock()
		job.ResumeRequested = false
		job.Priority = 0
		job.PauseReason = domain.PauseUser
		return qm.store.UpdateJob(ctx, job)

	default:
		qm.mu.Unlock()
		return domain.ValidateTransition(job.Status, domain.StatusPaused)
	}
}

// ResumeDownload puts a paused job at the front of the queue
func (qm *QueueManager) ResumeDownload(ctx context.Context, id string) error {
	qm.mu.Lock()
	job, err := qm.store.GetJob(ctx, id)
	if err != nil {
		qm.mu.Unlock()
		return err
	}
	if err := job.RequestResume(); err != nil {
		qm.mu.Unlock()
		return err
	}
	err = qm.store.UpdateJob(ctx, job)
	qm.mu.Unlock()
	if err != nil {
		return err
	}

	qm.logs.LogQueueEvent("download_resume_requested", zap.String("id", id))
	qm.Wake()
	return nil
}

// CancelDownload stops a job if it runs, deletes its partial file and
// removes it from the queue
func (qm *QueueManager) CancelDownload(ctx context.Context, id string) error {
	qm.mu.Lock()
	job, err := qm.store.GetJob(ctx, id)
	if err != nil {
		qm.mu.Unlock()
		return err
	}
	if err := domain.ValidateTransition(job.Status, domain.StatusRemoved); err != nil || job.Status == domain.StatusCompleted {
		qm.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: completed downloads are deleted, not cancelled", domain.ErrInvalidTransition)
		}
		return err
	}

	if run, ok := qm.active[id]; ok {
		run.cancel(errCancelled)
		qm.mu.Unlock()
		<-run.done
		return nil
	}
	defer qm.mu.Unlock()
	return qm.removeJobLocked(ctx, job)
}

// RetryDownload moves a failed job back to the queue
func (qm *QueueManager) RetryDownload(ctx context.Context, id string) error {
	qm.mu.Lock()
	job, err := qm.store.GetJob(ctx, id)
	if err != nil {
		qm.mu.Unlock()
		return err
	}
	wasRetryable := job.Retryable
	if err := job.MarkRequeued(); err != nil {
		qm.mu.Unlock()
		return err
	}
	if !wasRetryable {
		os.Remove(qm.worker.TempPath(job.ID))
	}
	err = qm.store.UpdateJob(ctx, job)
	qm.mu.Unlock()
	if err != nil {
		return err
	}

	qm.logs.LogQueueEvent("download_requeued",
		zap.String("id", id),
		zap.Bool("resume", wasRetryable))
	qm.Wake()
	return nil
}

// DeleteDownload removes a completed job together with its cached file
func (qm *QueueManager) DeleteDownload(ctx context.Context, id, mediaID string) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	job, err := qm.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if mediaID != "" && job.MediaID != mediaID {
		return fmt.Errorf("download %s is not for media %s: %w", id, mediaID, domain.ErrNotFound)
	}
	if job.Status != domain.StatusCompleted {
		return fmt.Errorf("%w: only completed downloads can be deleted, job is %s", domain.ErrInvalidTransition, job.Status)
	}

	if err := qm.evict(ctx, []*domain.DownloadJob{job}, true); err != nil {
		return err
	}
	qm.logs.LogQueueEvent("download_deleted",
		zap.String("id", id),
		zap.String("media_id", job.MediaID))
	return nil
}

// ClearCompleted removes completed jobs from the list. Cached files are kept
// unless the clear policy is evict.
func (qm *QueueManager) ClearCompleted(ctx context.Context) (int, error) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	jobs, err := qm.store.ListJobs(ctx, domain.StatusCompleted)
	if err != nil {
		return 0, err
	}
	evictFiles := qm.config.ClearCompletedPolicy == domain.ClearPolicyEvict
	if err := qm.evict(ctx, jobs, evictFiles); err != nil {
		return 0, err
	}

	qm.logs.LogQueueEvent("completed_cleared",
		zap.Int("count", len(jobs)),
		zap.String("policy", qm.config.ClearCompletedPolicy))
	return len(jobs), nil
}

// evict deletes job rows and, with files set, their offline records and
// cached files. Files are removed only after the rows are gone.
func (qm *QueueManager) evict(ctx context.Context, jobs []*domain.DownloadJob, files bool) error {
	if len(jobs) == 0 {
		return nil
	}
	err := qm.store.Transaction(ctx, func(tx domain.Store) error {
		for _, job := range jobs {
			if err := tx.DeleteJob(ctx, job.ID); err != nil {
				return err
			}
			if files {
				if err := tx.DeleteOfflineFile(ctx, job.MediaID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove downloads: %w", err)
	}

	if files {
		for _, job := range jobs {
			if job.FilePath == "" {
				continue
			}
			if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
				qm.logs.LogAppError("Failed to remove cached file",
					zap.String("path", job.FilePath),
					zap.Error(err))
			}
		}
	}
	return nil
}

// PauseAll stops scheduling and pauses every running job for network loss
func (qm *QueueManager) PauseAll() {
	qm.mu.Lock()
	qm.offline = true
	runs := make([]*activeRun, 0, len(qm.active))
	for _, run := range qm.active {
		run.cancel(errPauseNetwork)
		runs = append(runs, run)
	}
	qm.mu.Unlock()

	for _, run := range runs {
		<-run.done
	}
	qm.logs.LogQueueEvent("queue_paused_offline", zap.Int("interrupted", len(runs)))
}

// ResumeAll restarts scheduling and re-queues jobs paused for network loss.
// Jobs paused by the user stay paused.
func (qm *QueueManager) ResumeAll(ctx context.Context) error {
	qm.mu.Lock()
	qm.offline = false
	n, err := qm.resumeNetworkPausedLocked(ctx)
	qm.mu.Unlock()
	if err != nil {
		return err
	}

	qm.logs.LogQueueEvent("queue_resumed_online", zap.Int("resumed", n))
	qm.Wake()
	return nil
}

func (qm *QueueManager) resumeNetworkPausedLocked(ctx context.Context) (int, error) {
	paused, err := qm.store.ListJobs(ctx, domain.StatusPaused)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range paused {
		if job.PauseReason != domain.PauseNetwork || job.ResumeRequested {
			continue
		}
		if err := job.RequestResume(); err != nil {
			return n, err
		}
		if err := qm.store.UpdateJob(ctx, job); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// recoverInterrupted turns jobs left downloading by a previous process into
// network-paused jobs and requests their resume
func (qm *QueueManager) recoverInterrupted(ctx context.Context) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	orphans, err := qm.store.ListJobs(ctx, domain.StatusDownloading)
	if err != nil {
		return err
	}
	for _, job := range orphans {
		if _, ok := qm.active[job.ID]; ok {
			continue
		}
		if err := job.MarkPaused(domain.PauseNetwork); err != nil {
			return err
		}
		if err := qm.store.UpdateJob(ctx, job); err != nil {
			return err
		}
		qm.logs.LogQueueEvent("download_recovered",
			zap.String("id", job.ID),
			zap.Int64("downloaded_bytes", job.DownloadedBytes))
	}

	_, err = qm.resumeNetworkPausedLocked(ctx)
	return err
}

// processQueue runs scheduling passes on every tick and wake-up
func (qm *QueueManager) processQueue(ctx context.Context) {
	defer qm.loopWg.Done()

	ticker := time.NewTicker(qm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			qm.logs.LogQueueEvent("queue_processor_stopped", zap.String("reason", "context_cancelled"))
			return
		case <-qm.stopChan:
			qm.logs.LogQueueEvent("queue_processor_stopped", zap.String("reason", "stop_signal"))
			return
		case <-ticker.C:
		case <-qm.wake:
		}

		qm.mu.Lock()
		qm.scheduleLocked(context.WithoutCancel(ctx))
		qm.mu.Unlock()
	}
}

// scheduleLocked fills free worker slots. Resume-requested jobs go first,
// then queued jobs by priority and age.
func (qm *QueueManager) scheduleLocked(ctx context.Context) {
	if !qm.running || qm.offline {
		return
	}
	free := qm.config.ConcurrentLimit - len(qm.active)
	if free <= 0 {
		return
	}

	jobs, err := qm.store.NextRunnable(ctx, free)
	if err != nil {
		qm.logs.LogAppError("Failed to fetch runnable downloads", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if _, ok := qm.active[job.ID]; ok {
			continue
		}
		if err := job.MarkDownloading(); err != nil {
			qm.logs.LogAppError("Cannot start download", zap.String("id", job.ID), zap.Error(err))
			continue
		}
		if err := qm.store.UpdateJob(ctx, job); err != nil {
			qm.logs.LogAppError("Failed to update download status", zap.String("id", job.ID), zap.Error(err))
			continue
		}
		qm.startRunLocked(job)
	}
}

func (qm *QueueManager) startRunLocked(job *domain.DownloadJob) {
	ctx, cancel := context.WithCancelCause(context.Background())
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	qm.active[job.ID] = run

	qm.logs.LogQueueEvent("download_started",
		zap.String("id", job.ID),
		zap.String("media_id", job.MediaID),
		zap.Int64("offset", job.DownloadedBytes))

	qm.runWg.Add(1)
	go qm.runJob(ctx, job, run)
}

// runJob drives one worker and applies the resulting status change
func (qm *QueueManager) runJob(ctx context.Context, job *domain.DownloadJob, run *activeRun) {
	defer qm.runWg.Done()
	defer close(run.done)

	result, err := qm.worker.Run(ctx, job)
	cause := context.Cause(ctx)
	run.cancel(nil)

	qm.mu.Lock()
	defer qm.mu.Unlock()
	delete(qm.active, job.ID)

	bg := context.Background()
	switch {
	case errors.Is(cause, errCancelled):
		if result != nil {
			os.Remove(result.Path)
		}
		if err := qm.removeJobLocked(bg, job); err != nil {
			qm.logs.LogAppError("Failed to remove cancelled download", zap.String("id", job.ID), zap.Error(err))
		}
	case err == nil:
		qm.completeLocked(bg, job, result)
	case errors.Is(cause, errPauseUser):
		qm.pauseLocked(bg, job, domain.PauseUser)
	case errors.Is(cause, errPauseNetwork), errors.Is(cause, errShutdown):
		qm.pauseLocked(bg, job, domain.PauseNetwork)
	default:
		qm.failLocked(bg, job, err)
	}

	qm.scheduleLocked(bg)
}

func (qm *QueueManager) completeLocked(ctx context.Context, job *domain.DownloadJob, result *DownloadResult) {
	if err := job.MarkCompleted(result.Path); err != nil {
		qm.logs.LogAppError("Cannot complete download", zap.String("id", job.ID), zap.Error(err))
		return
	}
	now := time.Now()
	file := &domain.OfflineFile{
		MediaID:   job.MediaID,
		FilePath:  result.Path,
		Checksum:  result.Checksum,
		SizeBytes: result.Size,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := qm.store.Transaction(ctx, func(tx domain.Store) error {
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		return tx.SaveOfflineFile(ctx, file)
	})
	if err != nil {
		qm.logs.LogAppError("Failed to record completed download", zap.String("id", job.ID), zap.Error(err))
		return
	}

	qm.logs.LogQueueEvent("download_completed",
		zap.String("id", job.ID),
		zap.String("media_id", job.MediaID),
		zap.String("file_path", result.Path),
		zap.Int64("size", result.Size),
		zap.Int("retries", job.RetryCount))
	if qm.notifier != nil {
		qm.notifier.NotifyDownloadCompleted(job)
	}
}

func (qm *QueueManager) pauseLocked(ctx context.Context, job *domain.DownloadJob, reason domain.PauseReason) {
	if err := job.MarkPaused(reason); err != nil {
		qm.logs.LogAppError("Cannot pause download", zap.String("id", job.ID), zap.Error(err))
		return
	}
	if err := qm.store.UpdateJob(ctx, job); err != nil {
		qm.logs.LogAppError("Failed to update download status", zap.String("id", job.ID), zap.Error(err))
		return
	}
	qm.logs.LogQueueEvent("download_paused",
		zap.String("id", job.ID),
		zap.String("reason", string(reason)),
		zap.Int64("downloaded_bytes", job.DownloadedBytes))
}

func (qm *QueueManager) failLocked(ctx context.Context, job *domain.DownloadJob, cause error) {
	if err := job.MarkFailed(cause); err != nil {
		qm.logs.LogAppError("Cannot fail download", zap.String("id", job.ID), zap.Error(err))
		return
	}
	if err := qm.store.UpdateJob(ctx, job); err != nil {
		qm.logs.LogAppError("Failed to update download status", zap.String("id", job.ID), zap.Error(err))
		return
	}

	qm.logs.LogQueueEvent("download_failed",
		zap.String("id", job.ID),
		zap.String("kind", string(job.FailureKind)),
		zap.Bool("retryable", job.Retryable),
		zap.Error(cause))
	qm.logs.LogAppError("Failed to process download",
		zap.String("id", job.ID),
		zap.String("media_id", job.MediaID),
		zap.Error(cause))
	if qm.notifier != nil {
		qm.notifier.NotifyDownloadFailed(job)
	}
}

// removeJobLocked deletes a job row and its partial file
func (qm *QueueManager) removeJobLocked(ctx context.Context, job *domain.DownloadJob) error {
	os.Remove(qm.worker.TempPath(job.ID))
	if err := qm.store.DeleteJob(ctx, job.ID); err != nil {
		return err
	}
	qm.logs.LogQueueEvent("download_cancelled",
		zap.String("id", job.ID),
		zap.String("media_id", job.MediaID))
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
