package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

// PageBounds is the id range a listing page covers: After < id <= Through.
// An empty Through marks the final page, which covers everything after After.
// Local rows below a non-empty From are left alone: the listing may have
// skipped them.
type PageBounds struct {
	After   string
	Through string
	From    string
}

// BoundsFor computes the range covered by page given the last committed key
func BoundsFor(lastKey string, page []domain.RemoteEntity, final bool) PageBounds {
	bounds := PageBounds{After: lastKey}
	if !final {
		bounds.Through = maxID(page)
	}
	return bounds
}

func minID(page []domain.RemoteEntity) string {
	min := ""
	for _, r := range page {
		if r.ID != "" && (min == "" || r.ID < min) {
			min = r.ID
		}
	}
	return min
}

func maxID(page []domain.RemoteEntity) string {
	max := ""
	for _, r := range page {
		if r.ID > max {
			max = r.ID
		}
	}
	return max
}

// LibraryReconciler diffs remote listing pages against local rows
type LibraryReconciler struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewLibraryReconciler creates a reconciler
func NewLibraryReconciler(logger *zap.Logger) *LibraryReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LibraryReconciler{logger: logger, now: time.Now}
}

// ReconcilePage applies one remote page to the local rows of type t inside
// bounds. It must run in the same transaction that advances the cursor.
func (r *LibraryReconciler) ReconcilePage(ctx context.Context, tx domain.Store, t domain.EntityType, page []domain.RemoteEntity, bounds PageBounds) (domain.ReconcileResult, error) {
	var result domain.ReconcileResult

	local, err := tx.ListEntitiesInRange(ctx, t, bounds.After, bounds.Through)
	if err != nil {
		return result, fmt.Errorf("load local %ss: %w", t, err)
	}
	byID := make(map[string]*domain.LibraryEntity, len(local))
	for _, e := range local {
		byID[e.ID] = e
	}

	seen := make(map[string]bool, len(page))
	writes := make([]*domain.LibraryEntity, 0, len(page))

	for _, remote := range page {
		if remote.ID == "" {
			r.logger.Warn("Skipping remote record without id", zap.String("type", string(t)))
			continue
		}
		if seen[remote.ID] {
			continue
		}
		seen[remote.ID] = true

		existing, ok := byID[remote.ID]
		if !ok {
			// Out-of-order ids can land outside the page range.
			existing, err = tx.GetEntity(ctx, t, remote.ID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return result, fmt.Errorf("load %s %s: %w", t, remote.ID, err)
			}
		}

		if existing == nil {
			writes = append(writes, domain.NewLibraryEntity(t, remote))
			result.Inserted++
			continue
		}

		changed := false
		if existing.Tombstoned {
			existing.Restore()
			result.Restored++
			changed = true
		}
		if needsUpdate(existing, remote) {
			existing.ApplyRemote(remote)
			result.Updated++
			changed = true
		}
		if changed {
			writes = append(writes, existing)
		}
	}

	now := r.now()
	for _, e := range local {
		if seen[e.ID] || e.Tombstoned {
			continue
		}
		if bounds.From != "" && e.ID < bounds.From {
			continue
		}
		e.MarkTombstoned(now)
		writes = append(writes, e)
		result.Tombstoned++
	}

	if err := tx.SaveEntities(ctx, writes); err != nil {
		return result, err
	}

	if result.Mutations() > 0 {
		r.logger.Debug("Reconciled page",
			zap.String("type", string(t)),
			zap.String("after", bounds.After),
			zap.String("through", bounds.Through),
			zap.Int("inserted", result.Inserted),
			zap.Int("updated", result.Updated),
			zap.Int("restored", result.Restored),
			zap.Int("tombstoned", result.Tombstoned))
	}
	return result, nil
}

// PurgeTombstones hard-deletes unreferenced tombstones, children first so
// that parents lose their last references before they are examined.
func (r *LibraryReconciler) PurgeTombstones(ctx context.Context, tx domain.Store) (domain.ReconcileResult, error) {
	var result domain.ReconcileResult
	for _, t := range []domain.EntityType{domain.EntitySong, domain.EntityAlbum, domain.EntityArtist} {
		n, err := tx.PurgeTombstones(ctx, t)
		if err != nil {
			return result, err
		}
		result.Purged += int(n)
	}
	return result, nil
}

// needsUpdate compares revisions, falling back to display fields when the
// server sends no revision.
func needsUpdate(e *domain.LibraryEntity, r domain.RemoteEntity) bool {
	if r.Revision != "" || e.Revision != "" {
		return e.Revision != r.Revision
	}
	return e.Name != r.Name ||
		e.ArtistID != r.ArtistID ||
		e.ArtistName != r.ArtistName ||
		e.AlbumID != r.AlbumID ||
		e.AlbumName != r.AlbumName ||
		e.ImageURL != r.ImageURL ||
		e.DurationSecs != r.DurationSecs ||
		e.TrackNumber != r.TrackNumber ||
		e.Year != r.Year
}
