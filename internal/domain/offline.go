package domain

import "time"

// OfflineFile is a verified cached copy of a track
type OfflineFile struct {
	MediaID   string    `json:"media_id" gorm:"primaryKey"`
	FilePath  string    `json:"file_path" gorm:"not null"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"size_bytes"`
	Stale     bool      `json:"stale" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (OfflineFile) TableName() string {
	return "offline_files"
}

// PlaybackKind says where playback bytes come from
type PlaybackKind string

const (
	PlaybackLocal  PlaybackKind = "local"
	PlaybackStream PlaybackKind = "stream"
)

// Playback is the resolver's answer for a track
type Playback struct {
	Kind    PlaybackKind `json:"kind"`
	MediaID string       `json:"media_id"`
	Path    string       `json:"path,omitempty"`
	URL     string       `json:"url,omitempty"`
}

// IsLocal reports whether playback uses a cached file
func (p Playback) IsLocal() bool {
	return p.Kind == PlaybackLocal
}
