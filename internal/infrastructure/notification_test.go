package infrastructure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

type recordedCommand struct {
	name string
	args []string
}

func newTestNotifier(config *domain.NotificationConfig) (*NotificationService, *[]recordedCommand) {
	var calls []recordedCommand
	n := NewNotificationService(config, nil)
	n.run = func(name string, args ...string) error {
		calls = append(calls, recordedCommand{name: name, args: args})
		return nil
	}
	return n, &calls
}

func TestNotificationService_Disabled(t *testing.T) {
	n, calls := newTestNotifier(&domain.NotificationConfig{Enabled: false, Method: "notify-send"})
	assert.NoError(t, n.Send("title", "message"))
	assert.Empty(t, *calls)
}

func TestNotificationService_DownloadCompleted(t *testing.T) {
	n, calls := newTestNotifier(&domain.NotificationConfig{Enabled: true, Method: "notify-send"})

	n.NotifyDownloadCompleted(&domain.DownloadJob{MediaID: "m1", Title: "Song", Artist: "Band", TotalBytes: 3 * 1024 * 1024})

	if assert.Len(t, *calls, 1) {
		call := (*calls)[0]
		assert.Equal(t, "notify-send", call.name)
		assert.Equal(t, "Download Completed", call.args[1])
		assert.Equal(t, "Band - Song (3.0 MiB)", call.args[2])
	}
}

func TestNotificationService_SyncFinishedSkipsNoop(t *testing.T) {
	n, calls := newTestNotifier(&domain.NotificationConfig{Enabled: true, Method: "osascript"})

	n.NotifySyncFinished(domain.ReconcileResult{})
	assert.Empty(t, *calls)

	n.NotifySyncFinished(domain.ReconcileResult{Inserted: 1200, Updated: 3})
	if assert.Len(t, *calls, 1) {
		assert.Contains(t, (*calls)[0].args[1], "1,200 added, 3 updated, 0 removed")
	}
}

func TestNotificationService_CommandError(t *testing.T) {
	n := NewNotificationService(&domain.NotificationConfig{Enabled: true, Method: "notify-send"}, nil)
	n.run = func(string, ...string) error { return errors.New("not installed") }
	assert.Error(t, n.Send("t", "m"))
}

func TestTrackLabel(t *testing.T) {
	assert.Equal(t, "m1", trackLabel(&domain.DownloadJob{MediaID: "m1"}))
	assert.Equal(t, "Title", trackLabel(&domain.DownloadJob{MediaID: "m1", Title: "Title"}))
}
