package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DownloadStatus represents the current status of a download job
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"

	// StatusRemoved is never persisted. It is the target of cancel and delete.
	StatusRemoved DownloadStatus = "removed"
)

// AllStatuses lists every persisted status.
var AllStatuses = []DownloadStatus{
	StatusQueued, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed,
}

// PauseReason records who paused a job
type PauseReason string

const (
	PauseNone    PauseReason = ""
	PauseUser    PauseReason = "user"
	PauseNetwork PauseReason = "network"
)

// validTransitions is the whole job state machine.
// Key is the "from" status, value is the list of valid "to" statuses.
var validTransitions = map[DownloadStatus][]DownloadStatus{
	StatusQueued:      {StatusDownloading, StatusRemoved},
	StatusDownloading: {StatusCompleted, StatusFailed, StatusPaused, StatusRemoved},
	StatusPaused:      {StatusDownloading, StatusRemoved},
	StatusFailed:      {StatusQueued},
	StatusCompleted:   {StatusRemoved},
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not an
// edge of the job state machine.
func ValidateTransition(from, to DownloadStatus) error {
	for _, v := range validTransitions[from] {
		if v == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s DownloadStatus) CanTransitionTo(target DownloadStatus) bool {
	return ValidateTransition(s, target) == nil
}

// IsActive reports whether the status is non-terminal (queued, downloading, paused).
func (s DownloadStatus) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading || s == StatusPaused
}

// Valid reports whether s is a persisted status.
func (s DownloadStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// DownloadJob represents a per-track download
type DownloadJob struct {
	ID              string         `json:"id" gorm:"primaryKey"`
	MediaID         string         `json:"media_id" gorm:"not null;index"`
	Title           string         `json:"title"`
	Artist          string         `json:"artist"`
	ImageURL        string         `json:"image_url,omitempty"`
	Status          DownloadStatus `json:"status" gorm:"not null;index"`
	Progress        float64        `json:"progress" gorm:"default:0"`
	TotalBytes      int64          `json:"total_bytes" gorm:"default:0"`
	DownloadedBytes int64          `json:"downloaded_bytes" gorm:"default:0"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	FailureKind     ErrorKind      `json:"failure_kind,omitempty"`
	Retryable       bool           `json:"retryable"`
	RetryCount      int            `json:"retry_count" gorm:"default:0"`
	Priority        int            `json:"priority" gorm:"default:0;index"`
	PauseReason     PauseReason    `json:"pause_reason,omitempty"`
	ResumeRequested bool           `json:"resume_requested" gorm:"default:false"`
	TempPath        string         `json:"-"`
	FilePath        string         `json:"file_path,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// TableName specifies the table name for GORM
func (DownloadJob) TableName() string {
	return "downloads"
}

// DownloadRequest is one item passed to QueueDownloads
type DownloadRequest struct {
	MediaID  string `json:"media_id" binding:"required"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	ImageURL string `json:"image_url,omitempty"`
}

// NewDownloadJob creates a queued job for a request
func NewDownloadJob(req DownloadRequest) *DownloadJob {
	now := time.Now()
	return &DownloadJob{
		ID:        uuid.New().String(),
		MediaID:   req.MediaID,
		Title:     req.Title,
		Artist:    req.Artist,
		ImageURL:  req.ImageURL,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *DownloadJob) transition(to DownloadStatus) error {
	if err := ValidateTransition(j.Status, to); err != nil {
		return err
	}
	j.Status = to
	j.UpdatedAt = time.Now()
	return nil
}

// MarkDownloading promotes a queued or paused job to downloading
func (j *DownloadJob) MarkDownloading() error {
	if err := j.transition(StatusDownloading); err != nil {
		return err
	}
	j.PauseReason = PauseNone
	j.ResumeRequested = false
	j.Priority = 0
	return nil
}

// MarkPaused pauses a downloading job, keeping its byte offset
func (j *DownloadJob) MarkPaused(reason PauseReason) error {
	if err := j.transition(StatusPaused); err != nil {
		return err
	}
	j.PauseReason = reason
	j.ResumeRequested = false
	return nil
}

// MarkCompleted marks the job completed at filePath
func (j *DownloadJob) MarkCompleted(filePath string) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	now := time.Now()
	j.FilePath = filePath
	j.TempPath = ""
	j.Progress = 1
	if j.TotalBytes < j.DownloadedBytes {
		j.TotalBytes = j.DownloadedBytes
	}
	j.DownloadedBytes = j.TotalBytes
	j.CompletedAt = &now
	return nil
}

// MarkFailed marks the job failed with a classified reason
func (j *DownloadJob) MarkFailed(err error) error {
	if terr := j.transition(StatusFailed); terr != nil {
		return terr
	}
	kind := Classify(err)
	j.FailureKind = kind
	j.FailureReason = err.Error()
	j.Retryable = kind.Retryable()
	return nil
}

// MarkRequeued moves a failed job back to queued. Resumable failures keep
// their bytes; anything else starts over.
func (j *DownloadJob) MarkRequeued() error {
	if err := j.transition(StatusQueued); err != nil {
		return err
	}
	if !j.Retryable {
		j.DownloadedBytes = 0
		j.Progress = 0
		j.TempPath = ""
	}
	j.FailureReason = ""
	j.FailureKind = ""
	j.Retryable = false
	j.RetryCount = 0
	return nil
}

// SetProgress records downloaded bytes and recomputes the fraction
func (j *DownloadJob) SetProgress(downloaded, total int64) {
	if total > 0 && downloaded > total {
		downloaded = total
	}
	j.DownloadedBytes = downloaded
	j.TotalBytes = total
	if total > 0 {
		j.Progress = float64(downloaded) / float64(total)
	} else {
		j.Progress = 0
	}
	j.UpdatedAt = time.Now()
}

// RequestResume puts a paused job at the front of the queue. It stays paused
// until the scheduler has a free slot for it.
func (j *DownloadJob) RequestResume() error {
	if j.Status != StatusPaused {
		return fmt.Errorf("%w: resume requires paused, job is %s", ErrInvalidTransition, j.Status)
	}
	j.ResumeRequested = true
	j.Priority = 1
	j.UpdatedAt = time.Now()
	return nil
}

// IsActive checks if the job is non-terminal
func (j *DownloadJob) IsActive() bool {
	return j.Status.IsActive()
}

// DownloadLists partitions jobs for display
type DownloadLists struct {
	Active    []*DownloadJob `json:"active"`
	Completed []*DownloadJob `json:"completed"`
	Failed    []*DownloadJob `json:"failed"`
}

// PartitionJobs splits jobs by status group, preserving order
func PartitionJobs(jobs []*DownloadJob) DownloadLists {
	lists := DownloadLists{
		Active:    []*DownloadJob{},
		Completed: []*DownloadJob{},
		Failed:    []*DownloadJob{},
	}
	for _, j := range jobs {
		switch {
		case j.Status.IsActive():
			lists.Active = append(lists.Active, j)
		case j.Status == StatusCompleted:
			lists.Completed = append(lists.Completed, j)
		case j.Status == StatusFailed:
			lists.Failed = append(lists.Failed, j)
		}
	}
	return lists
}

// DownloadStats represents download statistics
type DownloadStats struct {
	Total       int64 `json:"total"`
	Queued      int64 `json:"queued"`
	Downloading int64 `json:"downloading"`
	Paused      int64 `json:"paused"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
}
