package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/eventbus"
)

// SQLiteStore implements domain.Store using SQLite through gorm
type SQLiteStore struct {
	db  *gorm.DB
	bus *eventbus.Bus

	// touched collects change topics while inside a transaction. It is nil
	// on the root store, which publishes immediately.
	touched map[string]bool
}

// NewSQLiteStore opens (and migrates) the database at dbPath
func NewSQLiteStore(dbPath string, bus *eventbus.Bus) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers; SQLite allows a single writer anyway.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&domain.LibraryEntity{},
		&domain.SyncCursor{},
		&domain.DownloadJob{},
		&domain.OfflineFile{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// At most one non-terminal job per media id.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_downloads_active_media
		ON downloads(media_id) WHERE status IN ('queued', 'downloading', 'paused')`).Error; err != nil {
		return nil, fmt.Errorf("failed to create active media index: %w", err)
	}

	if bus == nil {
		bus = eventbus.New(nil)
	}

	return &SQLiteStore{db: db, bus: bus}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *SQLiteStore) changed(topic string) {
	if s.touched != nil {
		s.touched[topic] = true
		return
	}
	s.bus.Publish(topic, domain.Change{Topic: topic, At: time.Now()})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// Transaction runs fn in a database transaction and publishes the touched
// topics after commit. Nested calls reuse the outer transaction.
func (s *SQLiteStore) Transaction(ctx context.Context, fn func(tx domain.Store) error) error {
	if s.touched != nil {
		return fn(s)
	}

	touched := make(map[string]bool)
	err := s.conn(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&SQLiteStore{db: gtx, bus: s.bus, touched: touched})
	})
	if err != nil {
		return err
	}

	topics := make([]string, 0, len(touched))
	for topic := range touched {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		s.changed(topic)
	}
	return nil
}

// Watch streams change notifications for topics until ctx is done
func (s *SQLiteStore) Watch(ctx context.Context, topics ...string) <-chan domain.Change {
	sub := s.bus.Subscribe(32, topics...)
	out := make(chan domain.Change, 32)

	go func() {
		defer close(out)
		defer s.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				change, _ := e.Payload.(domain.Change)
				change.Topic = e.Topic
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// ============================================================================
// EntityRepository implementation
// ============================================================================

// GetEntity finds one entity by type and id
func (s *SQLiteStore) GetEntity(ctx context.Context, t domain.EntityType, id string) (*domain.LibraryEntity, error) {
	var e domain.LibraryEntity
	if err := s.conn(ctx).First(&e, "type = ? AND id = ?", t, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// ListEntitiesInRange lists entities with after < id <= through
func (s *SQLiteStore) ListEntitiesInRange(ctx context.Context, t domain.EntityType, after, through string) ([]*domain.LibraryEntity, error) {
	query := s.conn(ctx).Where("type = ?", t)
	if after != "" {
		query = query.Where("id > ?", after)
	}
	if through != "" {
		query = query.Where("id <= ?", through)
	}

	var entities []*domain.LibraryEntity
	err := query.Order("id ASC").Find(&entities).Error
	return entities, err
}

// SaveEntities upserts entities
func (s *SQLiteStore) SaveEntities(ctx context.Context, entities []*domain.LibraryEntity) error {
	if len(entities) == 0 {
		return nil
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(entities, 100).Error
	if err != nil {
		return fmt.Errorf("failed to save entities: %w", err)
	}
	s.changed(domain.TopicEntities)
	return nil
}

// CountEntities counts entities of one type
func (s *SQLiteStore) CountEntities(ctx context.Context, t domain.EntityType, includeTombstoned bool) (int64, error) {
	var count int64
	query := s.conn(ctx).Model(&domain.LibraryEntity{}).Where("type = ?", t)
	if !includeTombstoned {
		query = query.Where("tombstoned = ?", false)
	}
	err := query.Count(&count).Error
	return count, err
}

// PurgeTombstones deletes unreferenced tombstones of one type
func (s *SQLiteStore) PurgeTombstones(ctx context.Context, t domain.EntityType) (int64, error) {
	var res *gorm.DB
	switch t {
	case domain.EntitySong:
		res = s.conn(ctx).Exec(`DELETE FROM entities
			WHERE type = ? AND tombstoned = ?
			AND id NOT IN (SELECT media_id FROM downloads)
			AND id NOT IN (SELECT media_id FROM offline_files)`,
			t, true)
	case domain.EntityAlbum:
		res = s.conn(ctx).Exec(`DELETE FROM entities
			WHERE type = ? AND tombstoned = ?
			AND id NOT IN (SELECT album_id FROM entities WHERE type = ? AND album_id IS NOT NULL)`,
			t, true, domain.EntitySong)
	case domain.EntityArtist:
		res = s.conn(ctx).Exec(`DELETE FROM entities
			WHERE type = ? AND tombstoned = ?
			AND id NOT IN (SELECT artist_id FROM entities WHERE type IN (?, ?) AND artist_id IS NOT NULL)`,
			t, true, domain.EntitySong, domain.EntityAlbum)
	default:
		return 0, fmt.Errorf("unknown entity type: %s", t)
	}

	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge %s tombstones: %w", t, res.Error)
	}
	if res.RowsAffected > 0 {
		s.changed(domain.TopicEntities)
	}
	return res.RowsAffected, nil
}

// RecordPlay bumps the local play statistics of a song
func (s *SQLiteStore) RecordPlay(ctx context.Context, songID string, at time.Time) error {
	res := s.conn(ctx).Model(&domain.LibraryEntity{}).
		Where("type = ? AND id = ?", domain.EntitySong, songID).
		Updates(map[string]interface{}{
			"play_count":     gorm.Expr("play_count + 1"),
			"last_played_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	s.changed(domain.TopicEntities)
	return nil
}

// ============================================================================
// CursorRepository implementation
// ============================================================================

// GetCursor returns the stored cursor or a fresh one
func (s *SQLiteStore) GetCursor(ctx context.Context, t domain.EntityType) (*domain.SyncCursor, error) {
	var c domain.SyncCursor
	err := s.conn(ctx).First(&c, "entity_type = ?", t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NewSyncCursor(t), nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCursor upserts a cursor
func (s *SQLiteStore) SaveCursor(ctx context.Context, c *domain.SyncCursor) error {
	if err := s.conn(ctx).Save(c).Error; err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	s.changed(domain.TopicCursors)
	return nil
}

// ListCursors lists all stored cursors
func (s *SQLiteStore) ListCursors(ctx context.Context) ([]*domain.SyncCursor, error) {
	var cursors []*domain.SyncCursor
	err := s.conn(ctx).Order("entity_type ASC").Find(&cursors).Error
	return cursors, err
}

// ResetCursors deletes every cursor; library rows are untouched
func (s *SQLiteStore) ResetCursors(ctx context.Context) error {
	if err := s.conn(ctx).Where("1 = 1").Delete(&domain.SyncCursor{}).Error; err != nil {
		return fmt.Errorf("failed to reset cursors: %w", err)
	}
	s.changed(domain.TopicCursors)
	return nil
}

// ============================================================================
// DownloadRepository implementation
// ============================================================================

// CreateJob creates a new download job
func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.DownloadJob) error {
	if err := s.conn(ctx).Create(job).Error; err != nil {
		return err
	}
	s.changed(domain.TopicDownloads)
	return nil
}

// UpdateJob updates an existing download job
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *domain.DownloadJob) error {
	if err := s.conn(ctx).Save(job).Error; err != nil {
		return err
	}
	s.changed(domain.TopicDownloads)
	return nil
}

// SaveProgress updates the byte counters of a job still downloading
func (s *SQLiteStore) SaveProgress(ctx context.Context, job *domain.DownloadJob) error {
	res := s.conn(ctx).Model(&domain.DownloadJob{}).
		Where("id = ? AND status = ?", job.ID, domain.StatusDownloading).
		Updates(map[string]interface{}{
			"downloaded_bytes": job.DownloadedBytes,
			"total_bytes":      job.TotalBytes,
			"progress":         job.Progress,
			"temp_path":        job.TempPath,
			"retry_count":      job.RetryCount,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.changed(domain.TopicDownloads)
	}
	return nil
}

// DeleteJob deletes a download job by ID
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	if err := s.conn(ctx).Delete(&domain.DownloadJob{}, "id = ?", id).Error; err != nil {
		return err
	}
	s.changed(domain.TopicDownloads)
	return nil
}

// GetJob finds a download job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*domain.DownloadJob, error) {
	var job domain.DownloadJob
	if err := s.conn(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// FindJobByMedia finds the newest job for a media id with one of statuses
func (s *SQLiteStore) FindJobByMedia(ctx context.Context, mediaID string, statuses ...domain.DownloadStatus) (*domain.DownloadJob, error) {
	query := s.conn(ctx).Where("media_id = ?", mediaID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var job domain.DownloadJob
	err := query.Order("created_at DESC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs with the given statuses in creation order
func (s *SQLiteStore) ListJobs(ctx context.Context, statuses ...domain.DownloadStatus) ([]*domain.DownloadJob, error) {
	query := s.conn(ctx)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var jobs []*domain.DownloadJob
	err := query.Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

// NextRunnable finds jobs eligible for a free worker slot
func (s *SQLiteStore) NextRunnable(ctx context.Context, limit int) ([]*domain.DownloadJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	var jobs []*domain.DownloadJob
	err := s.conn(ctx).
		Where("status = ? OR (status = ? AND resume_requested = ?)",
			domain.StatusQueued, domain.StatusPaused, true).
		Order("resume_requested DESC, priority DESC, created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// CountJobs returns the number of jobs by status
func (s *SQLiteStore) CountJobs(ctx context.Context, status domain.DownloadStatus) (int64, error) {
	var count int64
	err := s.conn(ctx).Model(&domain.DownloadJob{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// JobStats returns download statistics
func (s *SQLiteStore) JobStats(ctx context.Context) (*domain.DownloadStats, error) {
	stats := &domain.DownloadStats{}

	statusCounts := []struct {
		Status domain.DownloadStatus
		Count  int64
	}{}

	if err := s.conn(ctx).Model(&domain.DownloadJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&statusCounts).Error; err != nil {
		return nil, err
	}

	for _, sc := range statusCounts {
		stats.Total += sc.Count
		switch sc.Status {
		case domain.StatusQueued:
			stats.Queued = sc.Count
		case domain.StatusDownloading:
			stats.Downloading = sc.Count
		case domain.StatusPaused:
			stats.Paused = sc.Count
		case domain.StatusCompleted:
			stats.Completed = sc.Count
		case domain.StatusFailed:
			stats.Failed = sc.Count
		}
	}

	return stats, nil
}

// ============================================================================
// OfflineFileRepository implementation
// ============================================================================

// SaveOfflineFile upserts an offline file record
func (s *SQLiteStore) SaveOfflineFile(ctx context.Context, f *domain.OfflineFile) error {
	if err := s.conn(ctx).Save(f).Error; err != nil {
		return fmt.Errorf("failed to save offline file: %w", err)
	}
	s.changed(domain.TopicOfflineFiles)
	return nil
}

// GetOfflineFile finds the offline file of a media id
func (s *SQLiteStore) GetOfflineFile(ctx context.Context, mediaID string) (*domain.OfflineFile, error) {
	var f domain.OfflineFile
	if err := s.conn(ctx).First(&f, "media_id = ?", mediaID).Error; err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// DeleteOfflineFile removes the offline file record of a media id
func (s *SQLiteStore) DeleteOfflineFile(ctx context.Context, mediaID string) error {
	if err := s.conn(ctx).Delete(&domain.OfflineFile{}, "media_id = ?", mediaID).Error; err != nil {
		return err
	}
	s.changed(domain.TopicOfflineFiles)
	return nil
}

// MarkOfflineFileStale flags a record whose file disappeared
func (s *SQLiteStore) MarkOfflineFileStale(ctx context.Context, mediaID string) error {
	res := s.conn(ctx).Model(&domain.OfflineFile{}).
		Where("media_id = ?", mediaID).
		Update("stale", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	s.changed(domain.TopicOfflineFiles)
	return nil
}
