package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// OfflineResolver decides whether a track plays from the cache or streams
type OfflineResolver struct {
	store   domain.Store
	locator domain.StreamLocator
	logs    *logger.LoggerAdapter
}

// NewOfflineResolver creates a resolver
func NewOfflineResolver(store domain.Store, locator domain.StreamLocator, logs *logger.LoggerAdapter) *OfflineResolver {
	return &OfflineResolver{store: store, locator: locator, logs: logs}
}

// Resolve returns a local playback only for a completed download whose file
// is present. A record pointing at a missing file is marked stale and the
// track streams instead.
func (r *OfflineResolver) Resolve(ctx context.Context, mediaID string) (domain.Playback, error) {
	stream := domain.Playback{Kind: domain.PlaybackStream, MediaID: mediaID, URL: r.locator.StreamURL(mediaID)}

	job, err := r.store.FindJobByMedia(ctx, mediaID, domain.StatusCompleted)
	if err != nil {
		return domain.Playback{}, fmt.Errorf("resolve %s: %w", mediaID, err)
	}
	if job == nil {
		return stream, nil
	}

	file, err := r.store.GetOfflineFile(ctx, mediaID)
	if errors.Is(err, domain.ErrNotFound) {
		return stream, nil
	}
	if err != nil {
		return domain.Playback{}, fmt.Errorf("resolve %s: %w", mediaID, err)
	}
	if file.Stale {
		return stream, nil
	}

	if !cachedFileIntact(file) {
		r.logs.General().Warn("Cached file missing, falling back to stream",
			zap.String("media_id", mediaID),
			zap.String("path", file.FilePath))
		if err := r.store.MarkOfflineFileStale(ctx, mediaID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.logs.LogAppError("Failed to mark cached file stale",
				zap.String("media_id", mediaID),
				zap.Error(err))
		}
		return stream, nil
	}

	return domain.Playback{Kind: domain.PlaybackLocal, MediaID: mediaID, Path: file.FilePath}, nil
}

// Play resolves mediaID and records the play in the local statistics
func (r *OfflineResolver) Play(ctx context.Context, mediaID string) (domain.Playback, error) {
	playback, err := r.Resolve(ctx, mediaID)
	if err != nil {
		return playback, err
	}
	if err := r.store.RecordPlay(ctx, mediaID, time.Now()); err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logs.LogAppError("Failed to record play", zap.String("media_id", mediaID), zap.Error(err))
	}
	return playback, nil
}

func cachedFileIntact(file *domain.OfflineFile) bool {
	info, err := os.Stat(file.FilePath)
	if err != nil || info.IsDir() {
		return false
	}
	return file.SizeBytes <= 0 || info.Size() == file.SizeBytes
}
