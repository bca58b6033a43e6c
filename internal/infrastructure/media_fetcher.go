package infrastructure

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

// ChecksumHeader carries "<algo>:<hex>" for the full file
const ChecksumHeader = "X-Content-Checksum"

var audioExtensions = map[string]string{
	"audio/mpeg":   ".mp3",
	"audio/mp3":    ".mp3",
	"audio/flac":   ".flac",
	"audio/x-flac": ".flac",
	"audio/ogg":    ".ogg",
	"audio/opus":   ".opus",
	"audio/mp4":    ".m4a",
	"audio/x-m4a":  ".m4a",
	"audio/aac":    ".aac",
	"audio/wav":    ".wav",
	"audio/x-wav":  ".wav",
}

// HTTPMediaFetcher fetches track bytes from {base}/media/{id} with range
// requests and builds stream URLs for remote playback.
type HTTPMediaFetcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPMediaFetcher creates a fetcher for the configured remote server
func NewHTTPMediaFetcher(config domain.RemoteConfig, logger *zap.Logger) *HTTPMediaFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// No overall client timeout: a body can legitimately take minutes.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &HTTPMediaFetcher{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		token:      config.Token,
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With(zap.String("component", "media_fetcher")),
	}
}

// Fetch opens the bytes of mediaID starting at offset
func (f *HTTPMediaFetcher) Fetch(ctx context.Context, mediaID string, offset int64) (*domain.FetchResponse, error) {
	endpoint := fmt.Sprintf("%s/media/%s", f.baseURL, url.PathEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	authorize(req, f.token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", mediaID, err)
	}

	out := &domain.FetchResponse{
		Body:       resp.Body,
		TotalBytes: -1,
		Checksum:   resp.Header.Get(ChecksumHeader),
		Extension:  extensionFor(resp),
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			out.TotalBytes = resp.ContentLength
		}
		if offset > 0 {
			f.logger.Debug("Server ignored range request",
				zap.String("media_id", mediaID),
				zap.Int64("offset", offset))
		}
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch %s: %w", mediaID, err)
		}
		out.Offset = start
		out.TotalBytes = total
	case http.StatusRequestedRangeNotSatisfiable:
		// Everything was already received.
		_, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err == nil && total == offset {
			resp.Body.Close()
			out.Body = http.NoBody
			out.Offset = offset
			out.TotalBytes = total
			return out, nil
		}
		err = statusError(resp)
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %w", mediaID, err)
	default:
		err := statusError(resp)
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %w", mediaID, err)
	}

	return out, nil
}

// StreamURL returns the remote streaming URL of mediaID
func (f *HTTPMediaFetcher) StreamURL(mediaID string) string {
	u := fmt.Sprintf("%s/media/%s/stream", f.baseURL, url.PathEscape(mediaID))
	if f.token != "" {
		u += "?" + url.Values{"token": {f.token}}.Encode()
	}
	return u
}

// parseContentRange parses "bytes start-end/total" or "bytes */total".
// total is -1 when the server sends "*".
func parseContentRange(header string) (start, total int64, err error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", header)
	}
	rangePart, totalPart, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", header)
	}

	total = -1
	if totalPart != "*" {
		if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("invalid content range total %q", header)
		}
	}
	if rangePart == "*" {
		return 0, total, nil
	}

	first, _, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", header)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid content range start %q", header)
	}
	return start, total, nil
}

func extensionFor(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if ext := filepath.Ext(params["filename"]); ext != "" {
				return strings.ToLower(ext)
			}
		}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			if ext, ok := audioExtensions[mediaType]; ok {
				return ext
			}
		}
	}
	return ".bin"
}
