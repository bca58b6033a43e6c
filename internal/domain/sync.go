package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// SyncPhase is the orchestrator state
type SyncPhase string

const (
	PhaseIdle           SyncPhase = "idle"
	PhaseFetchingCounts SyncPhase = "fetching_counts"
	PhaseSyncingArtists SyncPhase = "syncing_artists"
	PhaseSyncingAlbums  SyncPhase = "syncing_albums"
	PhaseSyncingSongs   SyncPhase = "syncing_songs"
	PhasePaused         SyncPhase = "paused"
	PhaseCancelled      SyncPhase = "cancelled"
	PhaseFailed         SyncPhase = "failed"
)

// IsActive reports whether a run is executing in this phase
func (p SyncPhase) IsActive() bool {
	switch p {
	case PhaseFetchingCounts, PhaseSyncingArtists, PhaseSyncingAlbums, PhaseSyncingSongs:
		return true
	default:
		return false
	}
}

// PhaseFor returns the syncing phase of an entity type
func PhaseFor(t EntityType) SyncPhase {
	switch t {
	case EntityArtist:
		return PhaseSyncingArtists
	case EntityAlbum:
		return PhaseSyncingAlbums
	default:
		return PhaseSyncingSongs
	}
}

// PhaseState is the persisted progress of one entity type walk
type PhaseState string

const (
	PhasePending    PhaseState = "pending"
	PhaseInProgress PhaseState = "in_progress"
	PhaseComplete   PhaseState = "complete"
	PhaseError      PhaseState = "failed"
)

// SyncCursor records how far the walk of one entity type has committed
type SyncCursor struct {
	EntityType   EntityType `json:"entity_type" gorm:"primaryKey"`
	PageOffset   int        `json:"page_offset" gorm:"default:0"`
	LastKey      string     `json:"last_key"`
	Total        int        `json:"total" gorm:"default:0"`
	Processed    int        `json:"processed" gorm:"default:0"`
	PhaseState   PhaseState `json:"phase_state" gorm:"default:pending"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (SyncCursor) TableName() string {
	return "sync_cursor"
}

// NewSyncCursor returns a fresh cursor for t
func NewSyncCursor(t EntityType) *SyncCursor {
	return &SyncCursor{EntityType: t, PhaseState: PhasePending}
}

// Restart rewinds the cursor to page zero for a new walk
func (c *SyncCursor) Restart() {
	c.PageOffset = 0
	c.LastKey = ""
	c.Processed = 0
	c.PhaseState = PhaseInProgress
}

// Interrupted reports whether a walk was left unfinished by a pause, a
// shutdown or a failure
func (c *SyncCursor) Interrupted() bool {
	return c.PhaseState == PhaseInProgress || c.PhaseState == PhaseError
}

// Advance records a committed page
func (c *SyncCursor) Advance(lastKey string, records int) {
	c.PageOffset++
	if lastKey != "" {
		c.LastKey = lastKey
	}
	c.Processed += records
	c.PhaseState = PhaseInProgress
}

// Complete marks the walk finished
func (c *SyncCursor) Complete(at time.Time) {
	c.PhaseState = PhaseComplete
	c.LastSyncedAt = &at
}

// SyncState is the observable orchestrator state
type SyncState struct {
	Phase       SyncPhase  `json:"phase"`
	Entity      EntityType `json:"entity,omitempty"`
	Current     int        `json:"current"`
	Total       int        `json:"total"`
	Percentage  float64    `json:"percentage"`
	DisplayText string     `json:"display_text"`
	Error       string     `json:"error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewSyncState builds a state value and derives percentage and display text
func NewSyncState(phase SyncPhase, entity EntityType, current, total int, err error) SyncState {
	s := SyncState{
		Phase:     phase,
		Entity:    entity,
		Current:   current,
		Total:     total,
		UpdatedAt: time.Now(),
	}
	if total > 0 {
		s.Percentage = float64(current) / float64(total) * 100
		if s.Percentage > 100 {
			s.Percentage = 100
		}
	}
	if err != nil {
		s.Error = err.Error()
	}
	s.DisplayText = s.describe()
	return s
}

func (s SyncState) describe() string {
	progress := ""
	if s.Total > 0 {
		progress = fmt.Sprintf(" (%s / %s)", humanize.Comma(int64(s.Current)), humanize.Comma(int64(s.Total)))
	}
	switch s.Phase {
	case PhaseIdle:
		return "Library up to date"
	case PhaseFetchingCounts:
		return "Counting library items"
	case PhaseSyncingArtists, PhaseSyncingAlbums, PhaseSyncingSongs:
		return fmt.Sprintf("Syncing %ss%s", s.Entity, progress)
	case PhasePaused:
		return "Sync paused" + progress
	case PhaseCancelled:
		return "Sync cancelled"
	case PhaseFailed:
		if s.Error != "" {
			return "Sync failed: " + strings.TrimSpace(s.Error)
		}
		return "Sync failed"
	default:
		return string(s.Phase)
	}
}

// ReconcileResult counts the mutations applied by one reconcile step
type ReconcileResult struct {
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Tombstoned int `json:"tombstoned"`
	Restored   int `json:"restored"`
	Purged     int `json:"purged"`
}

// Add accumulates other into r
func (r *ReconcileResult) Add(other ReconcileResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Tombstoned += other.Tombstoned
	r.Restored += other.Restored
	r.Purged += other.Purged
}

// Mutations is the total number of changed rows
func (r ReconcileResult) Mutations() int {
	return r.Inserted + r.Updated + r.Tombstoned + r.Restored + r.Purged
}
