package infrastructure

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

// NotificationService sends desktop notifications for download and sync events
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger

	// run executes the notifier command; replaced in tests
	run func(name string, args ...string) error
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		config: config,
		logger: logger,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send sends a notification
func (n *NotificationService) Send(title, message string) error {
	if n == nil || n.config == nil || !n.config.Enabled {
		return nil
	}

	var (
		name string
		args []string
	)
	switch n.config.Method {
	case "osascript":
		script := fmt.Sprintf(`display notification %q with title %q`, message, title)
		if n.config.Sound {
			script += ` sound name "Glass"`
		}
		name, args = "osascript", []string{"-e", script}
	case "notify-send":
		name, args = "notify-send", []string{"--app-name=chora", title, message}
	default:
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}

	if err := n.run(name, args...); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", n.config.Method),
			zap.String("command", commandLine(name, args...)),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))
	return nil
}

// NotifyDownloadCompleted sends notification when a track is cached
func (n *NotificationService) NotifyDownloadCompleted(job *domain.DownloadJob) {
	message := fmt.Sprintf("%s (%s)", trackLabel(job), humanize.IBytes(uint64(job.TotalBytes)))
	n.Send("Download Completed", message)
}

// NotifyDownloadFailed sends notification when a track fails for good
func (n *NotificationService) NotifyDownloadFailed(job *domain.DownloadJob) {
	message := fmt.Sprintf("%s: %s", trackLabel(job), truncateString(job.FailureReason, 60))
	n.Send("Download Failed", message)
}

// NotifySyncFinished sends notification when a sync run changed the library
func (n *NotificationService) NotifySyncFinished(result domain.ReconcileResult) {
	if result.Mutations() == 0 {
		return
	}
	message := fmt.Sprintf("%s added, %s updated, %s removed",
		humanize.Comma(int64(result.Inserted+result.Restored)),
		humanize.Comma(int64(result.Updated)),
		humanize.Comma(int64(result.Tombstoned)))
	n.Send("Library Synced", message)
}

// NotifySyncFailed sends notification when a sync run fails
func (n *NotificationService) NotifySyncFailed(err error) {
	n.Send("Library Sync Failed", truncateString(err.Error(), 80))
}

func trackLabel(job *domain.DownloadJob) string {
	parts := []string{}
	if job.Artist != "" {
		parts = append(parts, job.Artist)
	}
	if job.Title != "" {
		parts = append(parts, job.Title)
	}
	if len(parts) == 0 {
		return job.MediaID
	}
	return truncateString(strings.Join(parts, " - "), 50)
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
