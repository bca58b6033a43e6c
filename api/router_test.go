package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CraftWorksMC/Chora-sub000/internal/app"
	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/internal/infrastructure"
	"github.com/CraftWorksMC/Chora-sub000/pkg/eventbus"
)

type memorySource struct {
	songs []domain.RemoteEntity
}

func (s *memorySource) Count(ctx context.Context, t domain.EntityType) (int, error) {
	if t != domain.EntitySong {
		return 0, nil
	}
	return len(s.songs), nil
}

func (s *memorySource) ListPage(ctx context.Context, t domain.EntityType, offset, limit int) ([]domain.RemoteEntity, error) {
	if t != domain.EntitySong || offset >= len(s.songs) {
		return []domain.RemoteEntity{}, nil
	}
	end := offset + limit
	if end > len(s.songs) {
		end = len(s.songs)
	}
	return s.songs[offset:end], nil
}

type memoryFetcher struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *memoryFetcher) Fetch(ctx context.Context, mediaID string, offset int64) (*domain.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[mediaID]
	if !ok {
		return nil, domain.NewHTTPError(http.StatusNotFound, io.EOF)
	}
	return &domain.FetchResponse{
		Body:       io.NopCloser(bytes.NewReader(data[offset:])),
		Offset:     offset,
		TotalBytes: int64(len(data)),
		Extension:  ".mp3",
	}, nil
}

func (f *memoryFetcher) StreamURL(mediaID string) string {
	return "http://remote.test/stream/" + mediaID
}

type testServer struct {
	engine  *app.Engine
	router  http.Handler
	logsDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	bus := eventbus.New(nil)
	store, err := infrastructure.NewSQLiteStore(filepath.Join(dir, "library.db"), bus)
	require.NoError(t, err)

	config := domain.DefaultConfig()
	config.Storage.CacheDir = filepath.Join(dir, "cache")
	config.Sync.SyncOnStart = false
	config.Sync.RequestsPerSecond = 0
	config.Download.RetryDelay = time.Millisecond
	config.Download.RetryMaxDelay = time.Millisecond

	fetcher := &memoryFetcher{files: map[string][]byte{
		"s1": []byte(strings.Repeat("a", 4096)),
		"s2": []byte(strings.Repeat("b", 2048)),
	}}
	engine, err := app.NewEngine(config, app.Dependencies{
		Store:   store,
		Source:  &memorySource{songs: []domain.RemoteEntity{{ID: "s1", Name: "One"}, {ID: "s2", Name: "Two"}}},
		Fetcher: fetcher,
		Locator: fetcher,
		Bus:     bus,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		engine.Stop()
		store.Close()
		bus.Close()
	})

	logsDir := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(logsDir, 0755))
	return &testServer{
		engine:  engine,
		router:  SetupRouter(engine, nil, logsDir),
		logsDir: logsDir,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health struct {
		Status string `json:"status"`
		Online bool   `json:"online"`
		Queue  struct {
			Running bool `json:"running"`
		} `json:"queue"`
	}
	decode(t, w, &health)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Online)
	assert.True(t, health.Queue.Running)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", nil).Code)

	require.NoError(t, s.engine.Queue.Stop())
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/ready", nil).Code)
}

func TestSyncEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/sync/now", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	s.engine.Sync.Wait()

	w = s.do(t, http.MethodGet, "/api/v1/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		State      domain.SyncState       `json:"state"`
		LastResult domain.ReconcileResult `json:"last_result"`
		Cursors    []domain.SyncCursor    `json:"cursors"`
	}
	decode(t, w, &status)
	assert.Equal(t, domain.PhaseIdle, status.State.Phase)
	assert.Equal(t, 2, status.LastResult.Inserted)
	assert.Len(t, status.Cursors, 3)

	// Nothing running, nothing paused
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/v1/sync/pause", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/v1/sync/resume", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/v1/sync/cancel", nil).Code)

	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/sync/force", nil).Code)
	s.engine.Sync.Wait()
	assert.Equal(t, domain.PhaseIdle, s.engine.SyncState().Phase)
}

func TestDownloadEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/downloads", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/downloads", map[string]interface{}{
		"items": []map[string]string{{"media_id": "s1", "title": "One"}, {"media_id": "s2"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var queued struct {
		Queued []domain.DownloadJob `json:"queued"`
	}
	decode(t, w, &queued)
	require.Len(t, queued.Queued, 2)
	first := queued.Queued[0]

	waitUntil(t, func() bool {
		var stats domain.DownloadStats
		decode(t, s.do(t, http.MethodGet, "/api/v1/downloads/stats", nil), &stats)
		return stats.Completed == 2
	})

	w = s.do(t, http.MethodGet, "/api/v1/downloads/"+first.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job domain.DownloadJob
	decode(t, w, &job)
	assert.Equal(t, domain.StatusCompleted, job.Status)
	assert.Equal(t, "One", job.Title)

	var lists domain.DownloadLists
	decode(t, s.do(t, http.MethodGet, "/api/v1/downloads", nil), &lists)
	assert.Len(t, lists.Completed, 2)
	assert.Empty(t, lists.Active)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/downloads?group=bogus", nil).Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/downloads/missing", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/v1/downloads/"+first.ID+"/pause", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/v1/downloads/"+first.ID+"/cancel", nil).Code)

	var playback domain.Playback
	decode(t, s.do(t, http.MethodGet, "/api/v1/playback/s1", nil), &playback)
	assert.Equal(t, domain.PlaybackLocal, playback.Kind)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodDelete, "/api/v1/downloads/"+first.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/downloads/"+first.ID+"?media_id=s2", nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/v1/downloads/"+first.ID+"?media_id=s1", nil).Code)

	decode(t, s.do(t, http.MethodGet, "/api/v1/playback/s1", nil), &playback)
	assert.Equal(t, domain.PlaybackStream, playback.Kind)
	assert.Equal(t, "http://remote.test/stream/s1", playback.URL)

	w = s.do(t, http.MethodPost, "/api/v1/downloads/clear-completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cleared struct {
		Cleared int `json:"cleared"`
	}
	decode(t, w, &cleared)
	assert.Equal(t, 1, cleared.Cleared)
}

func TestFailedDownloadRetry(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/downloads", map[string]interface{}{
		"items": []map[string]string{{"media_id": "gone"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var queued struct {
		Queued []domain.DownloadJob `json:"queued"`
	}
	decode(t, w, &queued)
	id := queued.Queued[0].ID

	waitUntil(t, func() bool {
		var job domain.DownloadJob
		decode(t, s.do(t, http.MethodGet, "/api/v1/downloads/"+id, nil), &job)
		return job.Status == domain.StatusFailed
	})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/downloads/"+id+"/retry", nil).Code)
}

func TestPlayRecordsStatistics(t *testing.T) {
	s := newTestServer(t)
	s.engine.SyncNow(context.Background())
	s.engine.Sync.Wait()

	w := s.do(t, http.MethodPost, "/api/v1/playback/s2/play", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var playback domain.Playback
	decode(t, w, &playback)
	assert.Equal(t, domain.PlaybackStream, playback.Kind)
}

func TestLogEndpoints(t *testing.T) {
	s := newTestServer(t)
	today := time.Now().Format("20060102")
	lines := `{"level":"info","ts":"2024-01-01T00:00:00Z","msg":"Download completed","media_id":"s1"}
{"level":"warn","ts":"2024-01-01T00:00:01Z","msg":"Download paused","media_id":"s2"}
`
	require.NoError(t, os.WriteFile(filepath.Join(s.logsDir, fmt.Sprintf("queue-%s.log", today)), []byte(lines), 0644))

	w := s.do(t, http.MethodGet, "/api/v1/logs/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs struct {
		Count int `json:"count"`
	}
	decode(t, w, &logs)
	assert.Equal(t, 2, logs.Count)

	w = s.do(t, http.MethodGet, "/api/v1/logs/queue/search?q=paused", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &logs)
	assert.Equal(t, 1, logs.Count)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/logs/queue/search", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/logs/bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/logs/queue?date=yesterday", nil).Code)

	var categories struct {
		Categories []string `json:"categories"`
	}
	decode(t, s.do(t, http.MethodGet, "/api/v1/logs/categories", nil), &categories)
	assert.Equal(t, []string{"queue", "sync", "error"}, categories.Categories)
}

func TestEventsWebSocket(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(s.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	seen := map[string]bool{}
	for len(seen) < 2 {
		var event struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&event))
		seen[event.Type] = true
	}
	assert.True(t, seen["sync"])
	assert.True(t, seen["downloads"])

	// A finished run always reaches the client as its final idle state
	s.engine.SyncNow(context.Background())
	s.engine.Sync.Wait()
	for {
		var event struct {
			Type string           `json:"type"`
			Data domain.SyncState `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&event))
		if event.Type == "sync" && event.Data.Phase == domain.PhaseIdle {
			return
		}
	}
}

func TestNoRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/nope", nil).Code)
}
