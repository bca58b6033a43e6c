package domain

import (
	"fmt"
	"time"
)

// EntityType names a kind of library record
type EntityType string

const (
	EntityArtist EntityType = "artist"
	EntityAlbum  EntityType = "album"
	EntitySong   EntityType = "song"
)

// SyncOrder is the order in which entity types are synchronized.
var SyncOrder = []EntityType{EntityArtist, EntityAlbum, EntitySong}

// ValidateEntityType checks if an entity type is known
func ValidateEntityType(t EntityType) bool {
	return t == EntityArtist || t == EntityAlbum || t == EntitySong
}

// LibraryEntity is a locally mirrored artist, album or song
type LibraryEntity struct {
	Type     EntityType `json:"type" gorm:"primaryKey"`
	ID       string     `json:"id" gorm:"primaryKey"`
	Revision string     `json:"revision"`

	Name         string `json:"name"`
	ArtistID     string `json:"artist_id,omitempty" gorm:"index"`
	ArtistName   string `json:"artist_name,omitempty"`
	AlbumID      string `json:"album_id,omitempty" gorm:"index"`
	AlbumName    string `json:"album_name,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	DurationSecs int    `json:"duration_secs,omitempty"`
	TrackNumber  int    `json:"track_number,omitempty"`
	Year         int    `json:"year,omitempty"`

	// Local-only fields. Sync never writes these.
	PlayCount    int        `json:"play_count" gorm:"default:0"`
	LastPlayedAt *time.Time `json:"last_played_at,omitempty"`
	Starred      bool       `json:"starred" gorm:"default:false"`

	Tombstoned   bool       `json:"tombstoned" gorm:"default:false;index"`
	TombstonedAt *time.Time `json:"tombstoned_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (LibraryEntity) TableName() string {
	return "entities"
}

// RemoteEntity is one record of a remote listing page
type RemoteEntity struct {
	ID           string `json:"id"`
	Revision     string `json:"revision"`
	Name         string `json:"name"`
	ArtistID     string `json:"artist_id,omitempty"`
	ArtistName   string `json:"artist_name,omitempty"`
	AlbumID      string `json:"album_id,omitempty"`
	AlbumName    string `json:"album_name,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	DurationSecs int    `json:"duration_secs,omitempty"`
	TrackNumber  int    `json:"track_number,omitempty"`
	Year         int    `json:"year,omitempty"`
}

// NewLibraryEntity builds a local row for a remote record
func NewLibraryEntity(t EntityType, r RemoteEntity) *LibraryEntity {
	e := &LibraryEntity{Type: t, ID: r.ID}
	e.ApplyRemote(r)
	return e
}

// ApplyRemote copies remote display fields onto e, leaving local-only
// fields untouched.
func (e *LibraryEntity) ApplyRemote(r RemoteEntity) {
	e.Revision = r.Revision
	e.Name = r.Name
	e.ArtistID = r.ArtistID
	e.ArtistName = r.ArtistName
	e.AlbumID = r.AlbumID
	e.AlbumName = r.AlbumName
	e.ImageURL = r.ImageURL
	e.DurationSecs = r.DurationSecs
	e.TrackNumber = r.TrackNumber
	e.Year = r.Year
}

// MarkTombstoned flags the entity as deleted remotely
func (e *LibraryEntity) MarkTombstoned(at time.Time) {
	e.Tombstoned = true
	e.TombstonedAt = &at
}

// Restore clears a tombstone when the record reappears remotely
func (e *LibraryEntity) Restore() {
	e.Tombstoned = false
	e.TombstonedAt = nil
}

// Key returns a printable composite key
func (e *LibraryEntity) Key() string {
	return fmt.Sprintf("%s/%s", e.Type, e.ID)
}
