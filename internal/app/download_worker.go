package app

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

// partialDir holds in-progress downloads under the cache directory
const partialDir = ".partial"

// DownloadResult describes a verified file in the cache
type DownloadResult struct {
	Path     string
	Checksum string
	Size     int64
}

// DownloadWorker fetches the bytes of one job into the cache
type DownloadWorker struct {
	fetcher  domain.MediaFetcher
	repo     domain.DownloadRepository
	config   domain.DownloadConfig
	cacheDir string
	logs     *logger.LoggerAdapter
}

// NewDownloadWorker creates a worker writing into cacheDir
func NewDownloadWorker(
	fetcher domain.MediaFetcher,
	repo domain.DownloadRepository,
	config domain.DownloadConfig,
	cacheDir string,
	logs *logger.LoggerAdapter,
) *DownloadWorker {
	if config.ChunkSize <= 0 {
		config.ChunkSize = domain.DefaultConfig().Download.ChunkSize
	}
	return &DownloadWorker{
		fetcher:  fetcher,
		repo:     repo,
		config:   config,
		cacheDir: cacheDir,
		logs:     logs,
	}
}

// TempPath returns the partial file of a job
func (w *DownloadWorker) TempPath(jobID string) string {
	return filepath.Join(w.cacheDir, partialDir, jobID+".part")
}

// Run downloads job, retrying retryable failures with backoff. It returns
// when the file is in place, the job fails for good, or ctx is cancelled.
// The job's byte counters are kept current so a later Run can resume.
func (w *DownloadWorker) Run(ctx context.Context, job *domain.DownloadJob) (*DownloadResult, error) {
	var result *DownloadResult
	err := DownloadBackoff(w.config).Retry(ctx, func(attempt int) error {
		if attempt > 0 {
			job.RetryCount++
		}
		var err error
		result, err = w.download(ctx, job)
		return err
	}, func(retry int, err error, wait time.Duration) {
		w.logs.LogQueueEvent("download_retry",
			zap.String("id", job.ID),
			zap.String("media_id", job.MediaID),
			zap.Int("retry", retry),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (w *DownloadWorker) download(ctx context.Context, job *domain.DownloadJob) (*DownloadResult, error) {
	tempPath := w.TempPath(job.ID)
	if err := os.MkdirAll(filepath.Dir(tempPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create partial directory: %w", err)
	}
	job.TempPath = tempPath

	offset := resumeOffset(tempPath, job.DownloadedBytes)
	resp, err := w.fetcher.Fetch(ctx, job.MediaID, offset)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.Offset != offset {
		w.logs.Queue().Info("server ignored range request, restarting",
			zap.String("id", job.ID),
			zap.Int64("requested_offset", offset))
		offset = 0
	}

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}
	defer file.Close()
	if err := file.Truncate(offset); err != nil {
		return nil, fmt.Errorf("failed to truncate partial file: %w", err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek partial file: %w", err)
	}

	total := resp.TotalBytes
	if total < 0 {
		total = 0
	}
	job.SetProgress(offset, total)

	written, err := w.copyChunks(ctx, job, file, resp.Body, offset, total)
	if err != nil {
		w.saveProgress(ctx, job)
		return nil, err
	}
	if total > 0 && written < total {
		w.saveProgress(ctx, job)
		return nil, fmt.Errorf("body ended at %d of %d bytes: %w", written, total, io.ErrUnexpectedEOF)
	}
	if total > 0 && written > total {
		w.discard(job, tempPath)
		return nil, fmt.Errorf("%w: received %d bytes, expected %d", domain.ErrIntegrity, written, total)
	}

	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync partial file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close partial file: %w", err)
	}

	checksum, verified, err := verifyChecksum(tempPath, resp.Checksum)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			w.discard(job, tempPath)
		}
		return nil, err
	}
	if resp.Checksum != "" && !verified {
		w.logs.Queue().Warn("unknown checksum algorithm, integrity not verified",
			zap.String("id", job.ID),
			zap.String("media_id", job.MediaID),
			zap.String("advertised", resp.Checksum))
	}

	ext := resp.Extension
	if ext == "" {
		ext = ".bin"
	}
	finalPath := filepath.Join(w.cacheDir, cacheFileName(job.MediaID)+ext)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to move download into cache: %w", err)
	}

	w.logs.Queue().Debug("download verified",
		zap.String("id", job.ID),
		zap.String("path", finalPath),
		zap.String("size", humanize.IBytes(uint64(written))))

	return &DownloadResult{Path: finalPath, Checksum: checksum, Size: written}, nil
}

// copyChunks streams body into file chunk by chunk, checking ctx at every
// chunk boundary. Progress is persisted at most once per ProgressInterval
// unless it moved by ProgressDelta.
func (w *DownloadWorker) copyChunks(ctx context.Context, job *domain.DownloadJob, file *os.File, body io.Reader, written, total int64) (int64, error) {
	buf := make([]byte, w.config.ChunkSize)
	throttle := rate.Sometimes{Interval: w.config.ProgressInterval}
	saved := job.Progress

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write partial file: %w", err)
			}
			written += int64(n)
			job.SetProgress(written, total)

			if w.config.ProgressDelta > 0 && job.Progress-saved >= w.config.ProgressDelta {
				w.saveProgress(ctx, job)
				saved = job.Progress
			} else {
				throttle.Do(func() {
					w.saveProgress(ctx, job)
					saved = job.Progress
				})
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (w *DownloadWorker) saveProgress(ctx context.Context, job *domain.DownloadJob) {
	if w.repo == nil {
		return
	}
	if err := w.repo.SaveProgress(context.WithoutCancel(ctx), job); err != nil {
		w.logs.General().Warn("Failed to save download progress",
			zap.String("id", job.ID),
			zap.Error(err))
	}
}

// discard drops bytes that can never verify
func (w *DownloadWorker) discard(job *domain.DownloadJob, tempPath string) {
	os.Remove(tempPath)
	job.SetProgress(0, job.TotalBytes)
	job.TempPath = ""
}

// resumeOffset returns where a download can continue. The partial file must
// hold at least the recorded bytes, otherwise it starts over.
func resumeOffset(tempPath string, recorded int64) int64 {
	if recorded <= 0 {
		return 0
	}
	info, err := os.Stat(tempPath)
	if err != nil || info.Size() < recorded {
		return 0
	}
	return recorded
}

// verifyChecksum hashes path and compares it with the advertised
// "<algo>:<hex>" value. Without an advertised value, or with an algorithm
// we cannot compute, the sha256 is returned for the record and verified is
// false.
func verifyChecksum(path, advertised string) (sum string, verified bool, err error) {
	algo, want := "sha256", ""
	if advertised != "" {
		if a, v, ok := strings.Cut(advertised, ":"); ok {
			algo, want = strings.ToLower(a), strings.ToLower(v)
		} else {
			want = strings.ToLower(advertised)
		}
	}

	var h hash.Hash
	switch algo {
	case "sha256", "sha-256":
		algo, h = "sha256", sha256.New()
	case "md5":
		h = md5.New()
	default:
		algo, want, h = "sha256", "", sha256.New()
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("failed to open download for hashing: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", false, fmt.Errorf("failed to hash download: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if want != "" && got != want {
		return "", false, fmt.Errorf("%w: %s mismatch, got %s want %s", domain.ErrIntegrity, algo, got, want)
	}
	return algo + ":" + got, want != "", nil
}

// cacheFileName maps a media id onto a single path element. Ids that are
// already lowercase and path-safe are kept as they are; anything else gets
// a digest of the raw id appended so distinct ids never share a file.
func cacheFileName(id string) string {
	safe := id != "" && len(id) <= 128 && !strings.HasPrefix(id, ".") && !strings.HasSuffix(id, ".")
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-' || r == '_' || r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			safe = false
			return r + ('a' - 'A')
		default:
			safe = false
			return '_'
		}
	}, id)
	if safe {
		return clean
	}
	clean = strings.Trim(clean, ".")
	if len(clean) > 64 {
		clean = clean[:64]
	}
	if clean == "" {
		clean = "track"
	}
	sum := sha256.Sum256([]byte(id))
	return clean + "~" + hex.EncodeToString(sum[:8])
}
