package domain

import (
	"context"
	"io"
)

// LibrarySource is the remote paged listing API.
// Pages must be ordered by ascending id so a page covers a contiguous key range.
type LibrarySource interface {
	// Count returns the total number of records of type t
	Count(ctx context.Context, t EntityType) (int, error)

	// ListPage returns up to limit records of type t starting at offset
	ListPage(ctx context.Context, t EntityType, offset, limit int) ([]RemoteEntity, error)
}

// FetchResponse is an open byte stream for one track
type FetchResponse struct {
	Body io.ReadCloser
	// Offset is the byte position of the first byte in Body. It is zero when
	// the server ignored a range request.
	Offset int64
	// TotalBytes is the full length of the file, or -1 when unknown.
	TotalBytes int64
	// Checksum is "<algo>:<hex>" when the server advertises one.
	Checksum string
	// Extension is the file extension including the dot, e.g. ".flac".
	Extension string
}

// MediaFetcher is the byte-range capable fetch primitive
type MediaFetcher interface {
	// Fetch opens the track bytes starting at offset
	Fetch(ctx context.Context, mediaID string, offset int64) (*FetchResponse, error)
}

// StreamLocator builds remote streaming URLs
type StreamLocator interface {
	StreamURL(mediaID string) string
}
