package domain

import (
	"context"
	"time"
)

// Change topics published by the store after a commit
const (
	TopicEntities     = "entities"
	TopicCursors      = "sync_cursor"
	TopicDownloads    = "downloads"
	TopicOfflineFiles = "offline_files"
)

// Change notifies subscribers that a table was modified
type Change struct {
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
}

// EntityRepository persists library entities
type EntityRepository interface {
	// GetEntity returns ErrNotFound when the row does not exist
	GetEntity(ctx context.Context, t EntityType, id string) (*LibraryEntity, error)

	// ListEntitiesInRange returns rows of type t with after < id <= through,
	// ordered by id. An empty through means no upper bound.
	ListEntitiesInRange(ctx context.Context, t EntityType, after, through string) ([]*LibraryEntity, error)

	// SaveEntities upserts rows
	SaveEntities(ctx context.Context, entities []*LibraryEntity) error

	// CountEntities counts rows of type t
	CountEntities(ctx context.Context, t EntityType, includeTombstoned bool) (int64, error)

	// PurgeTombstones hard-deletes tombstoned rows of type t no longer
	// referenced by a download job, offline file or retained child row
	PurgeTombstones(ctx context.Context, t EntityType) (int64, error)

	// RecordPlay updates local-only play statistics of a song
	RecordPlay(ctx context.Context, songID string, at time.Time) error
}

// CursorRepository persists sync cursors
type CursorRepository interface {
	// GetCursor returns a fresh pending cursor when none is stored
	GetCursor(ctx context.Context, t EntityType) (*SyncCursor, error)
	SaveCursor(ctx context.Context, c *SyncCursor) error
	ListCursors(ctx context.Context) ([]*SyncCursor, error)
	ResetCursors(ctx context.Context) error
}

// DownloadRepository persists download jobs
type DownloadRepository interface {
	CreateJob(ctx context.Context, job *DownloadJob) error
	UpdateJob(ctx context.Context, job *DownloadJob) error

	// SaveProgress persists only the byte counters of a downloading job, so a
	// worker never overwrites a status change made elsewhere
	SaveProgress(ctx context.Context, job *DownloadJob) error
	DeleteJob(ctx context.Context, id string) error

	// GetJob returns ErrNotFound when the job does not exist
	GetJob(ctx context.Context, id string) (*DownloadJob, error)

	// FindJobByMedia returns the newest job for mediaID in one of statuses,
	// or nil when there is none
	FindJobByMedia(ctx context.Context, mediaID string, statuses ...DownloadStatus) (*DownloadJob, error)

	// ListJobs lists jobs ordered by creation time; no statuses means all
	ListJobs(ctx context.Context, statuses ...DownloadStatus) ([]*DownloadJob, error)

	// NextRunnable returns up to limit jobs eligible for a free worker slot:
	// resume-requested paused jobs first, then queued jobs by priority and age
	NextRunnable(ctx context.Context, limit int) ([]*DownloadJob, error)

	CountJobs(ctx context.Context, status DownloadStatus) (int64, error)
	JobStats(ctx context.Context) (*DownloadStats, error)
}

// OfflineFileRepository persists cached file records
type OfflineFileRepository interface {
	SaveOfflineFile(ctx context.Context, f *OfflineFile) error

	// GetOfflineFile returns ErrNotFound when there is no record
	GetOfflineFile(ctx context.Context, mediaID string) (*OfflineFile, error)
	DeleteOfflineFile(ctx context.Context, mediaID string) error
	MarkOfflineFileStale(ctx context.Context, mediaID string) error
}

// Store is the single persistent store of the engine
type Store interface {
	EntityRepository
	CursorRepository
	DownloadRepository
	OfflineFileRepository

	// Transaction runs fn inside one database transaction. Changes made
	// through tx are published only after commit.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Watch returns a channel of change notifications for topics. The
	// channel is closed when ctx is done.
	Watch(ctx context.Context, topics ...string) <-chan Change
}
