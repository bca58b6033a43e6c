package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/internal/infrastructure"
	"github.com/CraftWorksMC/Chora-sub000/pkg/eventbus"
)

func newTestStore(t *testing.T) (*infrastructure.SQLiteStore, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(nil)
	store, err := infrastructure.NewSQLiteStore(filepath.Join(t.TempDir(), "library.db"), bus)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		bus.Close()
	})
	return store, bus
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// fakeSource is an in-memory remote library listing
type fakeSource struct {
	mu       sync.Mutex
	records  map[domain.EntityType][]domain.RemoteEntity
	failPage func(t domain.EntityType, offset int) error
	pages    []string
	// block, when set, stalls every ListPage until closed or cancelled
	block chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: map[domain.EntityType][]domain.RemoteEntity{}}
}

func (s *fakeSource) set(t domain.EntityType, records ...domain.RemoteEntity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := append([]domain.RemoteEntity{}, records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	s.records[t] = sorted
}

func (s *fakeSource) remove(t domain.EntityType, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.records[t][:0:0]
	for _, r := range s.records[t] {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	s.records[t] = kept
}

func (s *fakeSource) Count(ctx context.Context, t domain.EntityType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[t]), nil
}

func (s *fakeSource) ListPage(ctx context.Context, t domain.EntityType, offset, limit int) ([]domain.RemoteEntity, error) {
	s.mu.Lock()
	block := s.block
	failPage := s.failPage
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failPage != nil {
		if err := failPage(t, offset); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, fmt.Sprintf("%s@%d", t, offset))
	all := s.records[t]
	if offset >= len(all) {
		return []domain.RemoteEntity{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]domain.RemoteEntity{}, all[offset:end]...), nil
}

func (s *fakeSource) fetchedPages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.pages...)
}

func records(prefix string, n int) []domain.RemoteEntity {
	out := make([]domain.RemoteEntity, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s%03d", prefix, i)
		out = append(out, domain.RemoteEntity{ID: id, Revision: "1", Name: "Item " + id})
	}
	return out
}

// fakeFetcher serves in-memory files with range support
type fakeFetcher struct {
	mu        sync.Mutex
	files     map[string][]byte
	checksums map[string]string
	ignore    bool          // ignore range requests
	chunk     int           // bytes per Read
	delay     time.Duration // sleep per Read
	gate      chan struct{} // when set, each Read waits for a token
	fail      map[string][]error
	offsets   []int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		files:     map[string][]byte{},
		checksums: map[string]string{},
		fail:      map[string][]error{},
		chunk:     1024,
	}
}

func (f *fakeFetcher) add(mediaID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[mediaID] = data
}

func (f *fakeFetcher) failNext(mediaID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[mediaID] = append(f.fail[mediaID], errs...)
}

func (f *fakeFetcher) requestedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64{}, f.offsets...)
}

func (f *fakeFetcher) Fetch(ctx context.Context, mediaID string, offset int64) (*domain.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)

	if errs := f.fail[mediaID]; len(errs) > 0 {
		f.fail[mediaID] = errs[1:]
		return nil, errs[0]
	}
	data, ok := f.files[mediaID]
	if !ok {
		return nil, domain.NewHTTPError(404, io.EOF)
	}
	if f.ignore {
		offset = 0
	}
	return &domain.FetchResponse{
		Body:       &slowReader{ctx: ctx, r: bytes.NewReader(data[offset:]), chunk: f.chunk, delay: f.delay, gate: f.gate},
		Offset:     offset,
		TotalBytes: int64(len(data)),
		Checksum:   f.checksums[mediaID],
		Extension:  ".mp3",
	}, nil
}

func (f *fakeFetcher) StreamURL(mediaID string) string {
	return "http://remote.test/media/" + mediaID + "/stream"
}

type slowReader struct {
	ctx   context.Context
	r     *bytes.Reader
	chunk int
	delay time.Duration
	gate  chan struct{}
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		}
	}
	if len(p) > s.chunk {
		p = p[:s.chunk]
	}
	return s.r.Read(p)
}

func (s *slowReader) Close() error { return nil }

func testConfig(cacheDir string) *domain.Config {
	config := domain.DefaultConfig()
	config.Storage.CacheDir = cacheDir
	config.Sync.PageSize = 3
	config.Sync.MaxRetries = 1
	config.Sync.RetryBaseDelay = time.Millisecond
	config.Sync.RetryMaxDelay = time.Millisecond
	config.Sync.RequestsPerSecond = 0
	config.Download.ConcurrentLimit = 2
	config.Download.MaxRetries = 1
	config.Download.RetryDelay = time.Millisecond
	config.Download.RetryMaxDelay = time.Millisecond
	config.Download.ChunkSize = 512
	config.Download.ProgressInterval = time.Millisecond
	return config
}

// recordingNotifier captures notifications
type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	synced    []domain.ReconcileResult
	syncErrs  []error
}

func (n *recordingNotifier) NotifyDownloadCompleted(job *domain.DownloadJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, job.MediaID)
}

func (n *recordingNotifier) NotifyDownloadFailed(job *domain.DownloadJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, job.MediaID)
}

func (n *recordingNotifier) NotifySyncFinished(result domain.ReconcileResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.synced = append(n.synced, result)
}

func (n *recordingNotifier) NotifySyncFailed(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.syncErrs = append(n.syncErrs, err)
}

func (n *recordingNotifier) counts() (completed, failed, synced, syncErrs int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed), len(n.failed), len(n.synced), len(n.syncErrs)
}

// statusStore records the committed status history of every job written
// through it. Writes inside a transaction count only once it commits.
type statusStore struct {
	domain.Store
	history *statusHistory
	staged  *[]statusChange
}

type statusChange struct {
	id     string
	status domain.DownloadStatus
}

type statusHistory struct {
	mu    sync.Mutex
	byJob map[string][]domain.DownloadStatus
}

func newStatusStore(store domain.Store) *statusStore {
	return &statusStore{Store: store, history: &statusHistory{byJob: map[string][]domain.DownloadStatus{}}}
}

func (h *statusHistory) add(id string, status domain.DownloadStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := h.byJob[id]
	if len(seq) > 0 && seq[len(seq)-1] == status {
		return
	}
	h.byJob[id] = append(seq, status)
}

func (h *statusHistory) of(id string) []domain.DownloadStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.DownloadStatus{}, h.byJob[id]...)
}

func (h *statusHistory) all() map[string][]domain.DownloadStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]domain.DownloadStatus, len(h.byJob))
	for id, seq := range h.byJob {
		out[id] = append([]domain.DownloadStatus{}, seq...)
	}
	return out
}

func (s *statusStore) record(id string, status domain.DownloadStatus) {
	if s.staged != nil {
		*s.staged = append(*s.staged, statusChange{id: id, status: status})
		return
	}
	s.history.add(id, status)
}

func (s *statusStore) Transaction(ctx context.Context, fn func(tx domain.Store) error) error {
	var staged []statusChange
	err := s.Store.Transaction(ctx, func(tx domain.Store) error {
		return fn(&statusStore{Store: tx, history: s.history, staged: &staged})
	})
	if err == nil {
		for _, c := range staged {
			s.record(c.id, c.status)
		}
	}
	return err
}

func (s *statusStore) CreateJob(ctx context.Context, job *domain.DownloadJob) error {
	if err := s.Store.CreateJob(ctx, job); err != nil {
		return err
	}
	s.record(job.ID, job.Status)
	return nil
}

func (s *statusStore) UpdateJob(ctx context.Context, job *domain.DownloadJob) error {
	if err := s.Store.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.record(job.ID, job.Status)
	return nil
}

func (s *statusStore) DeleteJob(ctx context.Context, id string) error {
	if err := s.Store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.record(id, domain.StatusRemoved)
	return nil
}

// requireValidPaths checks that every recorded history starts queued and
// only takes edges of the job state machine
func requireValidPaths(t *testing.T, history *statusHistory) {
	t.Helper()
	for id, seq := range history.all() {
		require.NotEmpty(t, seq, id)
		require.Equal(t, domain.StatusQueued, seq[0], "job %s: %v", id, seq)
		for i := 1; i < len(seq); i++ {
			require.NoError(t, domain.ValidateTransition(seq[i-1], seq[i]), "job %s: %v", id, seq)
		}
	}
}
