package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/internal/infrastructure"
)

type queueFixture struct {
	qm       *QueueManager
	store    *infrastructure.SQLiteStore
	history  *statusHistory
	fetcher  *fakeFetcher
	notifier *recordingNotifier
	cacheDir string
	data     map[string][]byte
}

func newQueueFixture(t *testing.T, configure func(*domain.DownloadConfig)) *queueFixture {
	t.Helper()
	store, _ := newTestStore(t)
	cacheDir := t.TempDir()
	config := testConfig(cacheDir).Download
	if configure != nil {
		configure(&config)
	}

	fetcher := newFakeFetcher()
	notifier := &recordingNotifier{}
	recorded := newStatusStore(store)
	worker := NewDownloadWorker(fetcher, recorded, config, cacheDir, nil)
	qm := NewQueueManager(recorded, worker, config, notifier, nil)
	qm.checkInterval = 10 * time.Millisecond

	return &queueFixture{
		qm:       qm,
		store:    store,
		history:  recorded.history,
		fetcher:  fetcher,
		notifier: notifier,
		cacheDir: cacheDir,
		data:     map[string][]byte{},
	}
}

func (f *queueFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.qm.Start(context.Background()))
	t.Cleanup(func() { f.qm.Stop() })
}

// tracks registers n remote tracks m0..m(n-1) and returns their requests
func (f *queueFixture) tracks(t *testing.T, n, size int) []domain.DownloadRequest {
	t.Helper()
	reqs := make([]domain.DownloadRequest, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%d", i)
		f.data[id] = randomBytes(t, size)
		f.fetcher.add(id, f.data[id])
		reqs = append(reqs, domain.DownloadRequest{MediaID: id, Title: "Song " + id, Artist: "Artist"})
	}
	return reqs
}

func (f *queueFixture) count(t *testing.T, status domain.DownloadStatus) int64 {
	t.Helper()
	n, err := f.store.CountJobs(context.Background(), status)
	require.NoError(t, err)
	return n
}

func (f *queueFixture) job(t *testing.T, mediaID string) *domain.DownloadJob {
	t.Helper()
	job, err := f.store.FindJobByMedia(context.Background(), mediaID, domain.AllStatuses...)
	require.NoError(t, err)
	require.NotNil(t, job, mediaID)
	return job
}

func (f *queueFixture) waitStatus(t *testing.T, mediaID string, status domain.DownloadStatus) *domain.DownloadJob {
	t.Helper()
	var job *domain.DownloadJob
	waitFor(t, mediaID+" "+string(status), func() bool {
		var err error
		job, err = f.store.FindJobByMedia(context.Background(), mediaID, domain.AllStatuses...)
		return err == nil && job != nil && job.Status == status
	})
	return job
}

func TestQueueManager_BoundedConcurrency(t *testing.T) {
	f := newQueueFixture(t, nil)
	gate := make(chan struct{})
	f.fetcher.gate = gate
	f.start(t)
	ctx := context.Background()

	jobs, err := f.qm.QueueDownloads(ctx, f.tracks(t, 5, 2048))
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	// Exactly two start, in FIFO order
	waitFor(t, "two downloading", func() bool { return f.count(t, domain.StatusDownloading) == 2 })
	assert.EqualValues(t, 3, f.count(t, domain.StatusQueued))
	assert.Equal(t, domain.StatusDownloading, f.job(t, "m0").Status)
	assert.Equal(t, domain.StatusDownloading, f.job(t, "m1").Status)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, f.count(t, domain.StatusDownloading))
	assert.Equal(t, 2, f.qm.ActiveCount())

	// Freeing a slot promotes the next queued job
	require.NoError(t, f.qm.PauseDownload(ctx, f.job(t, "m0").ID))
	f.waitStatus(t, "m2", domain.StatusDownloading)
	assert.EqualValues(t, 2, f.count(t, domain.StatusDownloading))
	assert.EqualValues(t, 2, f.count(t, domain.StatusQueued))

	// A resumed job goes ahead of the queued ones
	require.NoError(t, f.qm.ResumeDownload(ctx, f.job(t, "m0").ID))
	close(gate)

	maxSeen := int64(0)
	waitFor(t, "all completed", func() bool {
		if n := f.count(t, domain.StatusDownloading); n > maxSeen {
			maxSeen = n
		}
		return f.count(t, domain.StatusCompleted) == 5
	})
	assert.LessOrEqual(t, maxSeen, int64(2))

	for id, data := range f.data {
		job := f.job(t, id)
		got, err := os.ReadFile(job.FilePath)
		require.NoError(t, err)
		assert.Equal(t, data, got, id)

		file, err := f.store.GetOfflineFile(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.FilePath, file.FilePath)
		assert.EqualValues(t, len(data), file.SizeBytes)
	}

	completed, _, _, _ := f.notifier.counts()
	assert.Equal(t, 5, completed)
}

func TestQueueManager_StatusHistoryFollowsStateMachine(t *testing.T) {
	f := newQueueFixture(t, func(c *domain.DownloadConfig) { c.ConcurrentLimit = 1 })
	f.fetcher.chunk = 256
	f.fetcher.delay = time.Millisecond
	f.start(t)
	ctx := context.Background()

	reqs := f.tracks(t, 3, 64*1024)
	f.fetcher.failNext("m1", domain.NewHTTPError(403, errors.New("forbidden")))
	jobs, err := f.qm.QueueDownloads(ctx, reqs)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	ids := map[string]string{}
	for _, job := range jobs {
		ids[job.MediaID] = job.ID
	}

	// m2 never leaves the queue
	require.NoError(t, f.qm.CancelDownload(ctx, ids["m2"]))

	waitFor(t, "m0 progress", func() bool { return f.job(t, "m0").DownloadedBytes >= 1024 })
	require.NoError(t, f.qm.PauseDownload(ctx, ids["m0"]))

	// The freed slot runs m1, which fails for good
	f.waitStatus(t, "m1", domain.StatusFailed)

	f.fetcher.mu.Lock()
	f.fetcher.delay = 0
	f.fetcher.mu.Unlock()
	require.NoError(t, f.qm.ResumeDownload(ctx, ids["m0"]))
	f.waitStatus(t, "m0", domain.StatusCompleted)

	require.NoError(t, f.qm.RetryDownload(ctx, ids["m1"]))
	f.waitStatus(t, "m1", domain.StatusCompleted)
	require.NoError(t, f.qm.DeleteDownload(ctx, ids["m0"], "m0"))

	assert.Equal(t, []domain.DownloadStatus{
		domain.StatusQueued, domain.StatusDownloading, domain.StatusPaused,
		domain.StatusDownloading, domain.StatusCompleted, domain.StatusRemoved,
	}, f.history.of(ids["m0"]))
	assert.Equal(t, []domain.DownloadStatus{
		domain.StatusQueued, domain.StatusDownloading, domain.StatusFailed,
		domain.StatusQueued, domain.StatusDownloading, domain.StatusCompleted,
	}, f.history.of(ids["m1"]))
	assert.Equal(t, []domain.DownloadStatus{
		domain.StatusQueued, domain.StatusRemoved,
	}, f.history.of(ids["m2"]))
	requireValidPaths(t, f.history)
}

func TestQueueManager_PauseResumeMatchesUninterrupted(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.fetcher.chunk = 256
	f.fetcher.delay = time.Millisecond
	f.start(t)
	ctx := context.Background()

	_, err := f.qm.QueueDownloads(ctx, f.tracks(t, 1, 32*1024))
	require.NoError(t, err)

	waitFor(t, "partial progress", func() bool {
		return f.job(t, "m0").DownloadedBytes >= 4096
	})
	id := f.job(t, "m0").ID
	require.NoError(t, f.qm.PauseDownload(ctx, id))

	paused := f.job(t, "m0")
	assert.Equal(t, domain.StatusPaused, paused.Status)
	assert.Equal(t, domain.PauseUser, paused.PauseReason)
	require.Greater(t, paused.DownloadedBytes, int64(0))
	info, err := os.Stat(filepath.Join(f.cacheDir, partialDir, id+".part"))
	require.NoError(t, err)
	assert.Equal(t, paused.DownloadedBytes, info.Size())

	// A user-paused job is not picked up by the scheduler on its own
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StatusPaused, f.job(t, "m0").Status)

	f.fetcher.mu.Lock()
	f.fetcher.delay = 0
	f.fetcher.mu.Unlock()
	require.NoError(t, f.qm.ResumeDownload(ctx, id))

	done := f.waitStatus(t, "m0", domain.StatusCompleted)
	got, err := os.ReadFile(done.FilePath)
	require.NoError(t, err)
	assert.Equal(t, sha256Of(f.data["m0"]), sha256Of(got))
	assert.Equal(t, []int64{0, paused.DownloadedBytes}, f.fetcher.requestedOffsets())
	requireValidPaths(t, f.history)
}

func TestQueueManager_CancelLeavesNoFiles(t *testing.T) {
	f := newQueueFixture(t, func(c *domain.DownloadConfig) { c.ConcurrentLimit = 1 })
	f.fetcher.gate = make(chan struct{})
	f.start(t)
	ctx := context.Background()

	_, err := f.qm.QueueDownloads(ctx, f.tracks(t, 2, 1024))
	require.NoError(t, err)
	running := f.waitStatus(t, "m0", domain.StatusDownloading)
	queued := f.job(t, "m1")

	// Cancel the running job
	require.NoError(t, f.qm.CancelDownload(ctx, running.ID))
	_, err = f.store.GetJob(ctx, running.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoFileExists(t, filepath.Join(f.cacheDir, partialDir, running.ID+".part"))
	assert.NoFileExists(t, filepath.Join(f.cacheDir, "m0.mp3"))

	// The queued job takes the slot; cancel it too
	f.waitStatus(t, "m1", domain.StatusDownloading)
	require.NoError(t, f.qm.CancelDownload(ctx, queued.ID))
	_, err = f.store.GetJob(ctx, queued.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.qm.ActiveCount())
	requireValidPaths(t, f.history)
}

func TestQueueManager_CancelQueuedJob(t *testing.T) {
	f := newQueueFixture(t, nil)
	ctx := context.Background()

	jobs, err := f.qm.QueueDownloads(ctx, f.tracks(t, 1, 100))
	require.NoError(t, err)

	require.NoError(t, f.qm.CancelDownload(ctx, jobs[0].ID))
	_, err = f.store.GetJob(ctx, jobs[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, f.qm.CancelDownload(ctx, "nope"), domain.ErrNotFound)
}

func TestQueueManager_FailureAndRetry(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	reqs := f.tracks(t, 2, 1500)
	f.fetcher.failNext("m0", domain.NewHTTPError(401, errors.New("denied")))
	f.fetcher.failNext("m1",
		domain.NewHTTPError(503, errors.New("busy")),
		domain.NewHTTPError(503, errors.New("busy")))

	_, err := f.qm.QueueDownloads(ctx, reqs)
	require.NoError(t, err)

	auth := f.waitStatus(t, "m0", domain.StatusFailed)
	assert.Equal(t, domain.KindAuth, auth.FailureKind)
	assert.False(t, auth.Retryable)
	assert.NotEmpty(t, auth.FailureReason)

	busy := f.waitStatus(t, "m1", domain.StatusFailed)
	assert.Equal(t, domain.KindServer5xx, busy.FailureKind)
	assert.True(t, busy.Retryable)
	assert.Equal(t, 1, busy.RetryCount)

	lists, err := f.qm.Lists(ctx)
	require.NoError(t, err)
	assert.Len(t, lists.Failed, 2)
	_, failed, _, _ := f.notifier.counts()
	assert.Equal(t, 2, failed)

	// Failed jobs cannot be paused
	assert.ErrorIs(t, f.qm.PauseDownload(ctx, auth.ID), domain.ErrInvalidTransition)

	require.NoError(t, f.qm.RetryDownload(ctx, auth.ID))
	require.NoError(t, f.qm.RetryDownload(ctx, busy.ID))
	f.waitStatus(t, "m0", domain.StatusCompleted)
	done := f.waitStatus(t, "m1", domain.StatusCompleted)
	assert.Empty(t, done.FailureReason)

	assert.ErrorIs(t, f.qm.RetryDownload(ctx, done.ID), domain.ErrInvalidTransition)
	requireValidPaths(t, f.history)
}

func TestQueueManager_QueueDownloadsDedupes(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	reqs := f.tracks(t, 1, 500)
	jobs, err := f.qm.QueueDownloads(ctx, append(reqs, reqs[0], domain.DownloadRequest{}))
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	again, err := f.qm.QueueDownloads(ctx, reqs)
	require.NoError(t, err)
	assert.Empty(t, again, "active job is reused")

	first := f.waitStatus(t, "m0", domain.StatusCompleted)

	// Cached and valid: nothing to do
	again, err = f.qm.QueueDownloads(ctx, reqs)
	require.NoError(t, err)
	assert.Empty(t, again)

	// File vanished: the completed job is replaced
	require.NoError(t, os.Remove(first.FilePath))
	again, err = f.qm.QueueDownloads(ctx, reqs)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.NotEqual(t, first.ID, again[0].ID)

	f.waitStatus(t, "m0", domain.StatusCompleted)
	assert.FileExists(t, first.FilePath)
	_, err = f.store.GetJob(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueueManager_DeleteAndClearCompleted(t *testing.T) {
	for _, policy := range []string{domain.ClearPolicyRetain, domain.ClearPolicyEvict} {
		t.Run(policy, func(t *testing.T) {
			f := newQueueFixture(t, func(c *domain.DownloadConfig) { c.ClearCompletedPolicy = policy })
			f.start(t)
			ctx := context.Background()

			_, err := f.qm.QueueDownloads(ctx, f.tracks(t, 3, 700))
			require.NoError(t, err)
			waitFor(t, "completed", func() bool { return f.count(t, domain.StatusCompleted) == 3 })

			// Delete removes one job with its file
			victim := f.job(t, "m0")
			assert.ErrorIs(t, f.qm.DeleteDownload(ctx, victim.ID, "m1"), domain.ErrNotFound)
			require.NoError(t, f.qm.DeleteDownload(ctx, victim.ID, "m0"))
			assert.NoFileExists(t, victim.FilePath)
			_, err = f.store.GetOfflineFile(ctx, "m0")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			kept := []*domain.DownloadJob{f.job(t, "m1"), f.job(t, "m2")}
			n, err := f.qm.ClearCompleted(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.EqualValues(t, 0, f.count(t, domain.StatusCompleted))

			for _, job := range kept {
				_, ferr := f.store.GetOfflineFile(ctx, job.MediaID)
				if policy == domain.ClearPolicyRetain {
					assert.FileExists(t, job.FilePath)
					assert.NoError(t, ferr)
				} else {
					assert.NoFileExists(t, job.FilePath)
					assert.ErrorIs(t, ferr, domain.ErrNotFound)
				}
			}
		})
	}
}

func TestQueueManager_DeleteRequiresCompleted(t *testing.T) {
	f := newQueueFixture(t, nil)
	ctx := context.Background()

	jobs, err := f.qm.QueueDownloads(ctx, f.tracks(t, 1, 10))
	require.NoError(t, err)
	assert.ErrorIs(t, f.qm.DeleteDownload(ctx, jobs[0].ID, ""), domain.ErrInvalidTransition)
}

func TestQueueManager_RecoversInterruptedJobs(t *testing.T) {
	f := newQueueFixture(t, nil)
	ctx := context.Background()
	f.tracks(t, 3, 900)

	// Simulate a crash mid-download and two paused jobs
	crashed := domain.NewDownloadJob(domain.DownloadRequest{MediaID: "m0"})
	crashed.Status = domain.StatusDownloading
	crashed.DownloadedBytes = 300
	network := domain.NewDownloadJob(domain.DownloadRequest{MediaID: "m1"})
	network.Status = domain.StatusPaused
	network.PauseReason = domain.PauseNetwork
	user := domain.NewDownloadJob(domain.DownloadRequest{MediaID: "m2"})
	user.Status = domain.StatusPaused
	user.PauseReason = domain.PauseUser
	for _, job := range []*domain.DownloadJob{crashed, network, user} {
		require.NoError(t, f.store.CreateJob(ctx, job))
	}

	f.start(t)

	recovered := f.waitStatus(t, "m0", domain.StatusCompleted)
	got, err := os.ReadFile(recovered.FilePath)
	require.NoError(t, err)
	assert.Equal(t, f.data["m0"], got)
	f.waitStatus(t, "m1", domain.StatusCompleted)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StatusPaused, f.job(t, "m2").Status)
}

func TestQueueManager_NetworkPauseAndResume(t *testing.T) {
	f := newQueueFixture(t, nil)
	gate := make(chan struct{})
	f.fetcher.gate = gate
	f.start(t)
	ctx := context.Background()

	_, err := f.qm.QueueDownloads(ctx, f.tracks(t, 4, 1024))
	require.NoError(t, err)
	waitFor(t, "two downloading", func() bool { return f.count(t, domain.StatusDownloading) == 2 })

	f.qm.PauseAll()
	assert.EqualValues(t, 2, f.count(t, domain.StatusPaused))
	assert.Equal(t, domain.PauseNetwork, f.job(t, "m0").PauseReason)

	// Nothing starts while offline
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, f.count(t, domain.StatusDownloading))
	assert.EqualValues(t, 2, f.count(t, domain.StatusQueued))

	close(gate)
	require.NoError(t, f.qm.ResumeAll(ctx))
	waitFor(t, "all completed", func() bool { return f.count(t, domain.StatusCompleted) == 4 })

	stats, err := f.qm.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Total)
	assert.EqualValues(t, 4, stats.Completed)
}

func TestQueueManager_StopPausesRunningJobs(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.fetcher.gate = make(chan struct{})
	require.NoError(t, f.qm.Start(context.Background()))

	_, err := f.qm.QueueDownloads(context.Background(), f.tracks(t, 1, 512))
	require.NoError(t, err)
	f.waitStatus(t, "m0", domain.StatusDownloading)

	require.NoError(t, f.qm.Stop())
	assert.False(t, f.qm.IsRunning())
	job := f.job(t, "m0")
	assert.Equal(t, domain.StatusPaused, job.Status)
	assert.Equal(t, domain.PauseNetwork, job.PauseReason)

	assert.Error(t, f.qm.Stop())
}
