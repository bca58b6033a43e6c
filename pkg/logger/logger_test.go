package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.log")

	log, err := New(Config{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)
	log.Info("hello", zap.String("k", "v"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestMultiLogger_CategoriesAndReader(t *testing.T) {
	dir := t.TempDir()
	ml, err := NewMultiLogger(MultiLoggerConfig{Level: "info", LogsDir: dir})
	require.NoError(t, err)

	adapter := NewLoggerAdapter(ml, zap.NewNop())
	adapter.LogQueueEvent("download_queued", zap.String("media_id", "m1"))
	adapter.LogQueueEvent("download_completed", zap.String("media_id", "m1"))
	adapter.LogSyncEvent("sync_finished", zap.Int("inserted", 3))
	adapter.LogAppError("boom", zap.String("media_id", "m2"))
	require.NoError(t, ml.Sync())

	reader := NewLogReader(dir)
	today := time.Now()

	queue, err := reader.ReadLogs(CategoryQueue, today, 10)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "download_queued", queue[0].Message)
	assert.Equal(t, "m1", queue[0].Fields["media_id"])

	last, err := reader.ReadLogs(CategoryQueue, today, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "download_completed", last[0].Message)

	syncEntries, err := reader.SearchLogs(CategorySync, today, "FINISHED", 0)
	require.NoError(t, err)
	require.Len(t, syncEntries, 1)
	assert.Equal(t, "info", syncEntries[0].Level)

	errs, err := reader.ReadLogs(CategoryError, today, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "error", errs[0].Level)

	missing, err := reader.ReadLogs(CategoryQueue, today.AddDate(0, 0, -30), 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, ml.Close())
}

func TestMultiLogger_RollsOverAtMidnight(t *testing.T) {
	dir := t.TempDir()
	ml, err := NewMultiLogger(MultiLoggerConfig{Level: "info", LogsDir: dir})
	require.NoError(t, err)
	defer ml.Close()

	tomorrow := time.Now().AddDate(0, 0, 1)
	ml.now = func() time.Time { return tomorrow }
	ml.Queue().Info("next day")
	ml.Sync()

	_, err = os.Stat(filepath.Join(dir, "queue-"+tomorrow.Format("20060102")+".log"))
	assert.NoError(t, err)
}

func TestLoggerAdapter_NilAndSingle(t *testing.T) {
	var nilAdapter *LoggerAdapter
	assert.NotPanics(t, func() {
		nilAdapter.LogQueueEvent("x")
		nilAdapter.LogAppError("y")
		nilAdapter.General().Info("z")
	})

	single := NewSingleLoggerAdapter(nil)
	assert.Nil(t, single.GetMultiLogger())
	assert.Same(t, single.General(), single.Queue())
	assert.True(t, ValidCategory(CategorySync))
	assert.False(t, ValidCategory("download"))
}
