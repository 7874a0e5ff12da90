// Package pipeline turns a URL into a local MP3 or MP4 file: metadata, quota
// check, download, optional conversion and a history record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/fsutil"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/media"
)

const (
	audioMBPerMin      = 1.0
	videoMBPerMin      = 5.0
	audioDefaultMin    = 5.0
	videoDefaultMin    = 3.0
	maxErrorDetailRune = 100
)

// Extractor fetches metadata and media from a URL.
type Extractor interface {
	Info(ctx context.Context, url string) (*media.Info, error)
	Download(ctx context.Context, url string, kind domain.MediaKind, outTemplate string, onProgress func(media.DownloadProgress)) error
}

// Transcoder converts between containers.
type Transcoder interface {
	Duration(ctx context.Context, path string) (float64, error)
	Transcode(ctx context.Context, in, out string, args []string, duration float64, onPercent func(float64)) error
}

// Recorder persists one record per attempt.
type Recorder interface {
	Record(ctx context.Context, rec *domain.DownloadRecord) bool
}

type Request struct {
	UserID   int64
	Username string
	URL      string
	Kind     domain.MediaKind
}

type Result struct {
	OK       bool
	Message  string
	FilePath string
	RecordID string
	SizeMB   float64
}

type Pipeline struct {
	extractor  Extractor
	transcoder Transcoder
	history    Recorder
	quota      Quota
	outDir     string
	log        *logger.Logger
	now        func() time.Time
}

func New(ext Extractor, tc Transcoder, history Recorder, quota Quota, outDir string, log *logger.Logger) *Pipeline {
	return &Pipeline{
		extractor:  ext,
		transcoder: tc,
		history:    history,
		quota:      quota,
		outDir:     outDir,
		log:        log,
		now:        time.Now,
	}
}

// NewRecordID returns a unique, time-ordered record identifier.
func NewRecordID() string {
	return "dl_" + ksuid.New().String()
}

// UserDirs creates downloads/<uid>/{audio,video} and returns them.
func UserDirs(outDir string, userID int64) (audio, video string, err error) {
	base := filepath.Join(outDir, fmt.Sprint(userID))
	audio = filepath.Join(base, "audio")
	video = filepath.Join(base, "video")

	for _, d := range []string{audio, video} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", "", fmt.Errorf("create %s: %w", d, err)
		}
	}
	return audio, video, nil
}

// Estimate guesses the output size from the duration in seconds.
func Estimate(kind domain.MediaKind, durationSec float64) float64 {
	rate, fallback := videoMBPerMin, videoDefaultMin
	if kind == domain.KindAudio {
		rate, fallback = audioMBPerMin, audioDefaultMin
	}

	minutes := fallback
	if durationSec > 0 {
		minutes = durationSec / 60
	}
	return minutes * rate
}

// Fetch runs the whole acquisition. Progress goes to events when it is not nil;
// the caller must drain it. Errors never escape: they become a failed Result.
func (p *Pipeline) Fetch(ctx context.Context, req Request, events chan<- domain.ProgressEvent) Result {
	emit := func(ev domain.ProgressEvent) {
		if events == nil {
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	id := NewRecordID()
	record := func(size float64, path string, dl domain.DownloadStatus, up domain.UploadStatus) {
		p.history.Record(ctx, &domain.DownloadRecord{
			ID:             id,
			Timestamp:      p.now(),
			UserID:         req.UserID,
			Username:       req.Username,
			URL:            req.URL,
			Kind:           req.Kind,
			FileSizeMB:     size,
			FilePath:       path,
			DownloadStatus: dl,
			UploadStatus:   up,
		})
	}
	fail := func(err error) Result {
		if errors.Is(err, domain.ErrToolFailed) {
			record(0, "", domain.DownloadFailed, domain.UploadNA)
			return Result{Message: "❌ Download failed: " + html.EscapeString(truncate(toolDetail(err), maxErrorDetailRune)) + "..."}
		}
		record(0, "", domain.DownloadError, domain.UploadNA)
		return Result{Message: "❌ Error: " + html.EscapeString(err.Error())}
	}

	audioDir, videoDir, err := UserDirs(p.outDir, req.UserID)
	if err != nil {
		p.log.Error("%s download error: %v", req.Kind, err)
		return fail(err)
	}
	dir := videoDir
	if req.Kind == domain.KindAudio {
		dir = audioDir
	}

	emit(domain.ProgressEvent{Phase: domain.PhaseInfo, Status: "Getting video info", Percent: 5, Force: true})

	info, err := p.extractor.Info(ctx, req.URL)
	if err != nil {
		p.log.Error("yt-dlp info error for %s: %v", req.URL, err)
		record(0, "", domain.DownloadFailed, domain.UploadNA)
		return Result{Message: "❌ Failed to get video info. Check URL validity."}
	}

	estimate := Estimate(req.Kind, info.Duration)
	ok, remaining, err := p.quota.Check(ctx, req.UserID, estimate)
	if err != nil {
		// The quota is advisory; an unreachable ledger must not block downloads
		p.log.Warn("Quota check failed for user %d: %v", req.UserID, err)
		ok = true
	}
	if !ok {
		err := fmt.Errorf("%w: needs %.1fMB, has %.1fMB", domain.ErrQuotaExceeded, estimate, remaining)
		p.log.Info("User %d rejected: %v", req.UserID, err)
		return Result{Message: fmt.Sprintf("❌ Daily limit reached! Remaining: %.1fMB", remaining)}
	}

	// The token keeps concurrent and repeated downloads of one title apart,
	// so a file still held by a FAILED record is never overwritten.
	safe := fsutil.SafeTitle(info.Title)
	token := uuid.NewString()[:8]
	tempBase := fmt.Sprintf("temp_%s_%s", safe, token)

	emit(domain.ProgressEvent{Phase: domain.PhaseDownload, Status: "Starting download", Percent: 10, Force: true})
	p.log.Info("Starting %s download: %s", req.Kind, req.URL)

	err = p.extractor.Download(ctx, req.URL, req.Kind, filepath.Join(dir, tempBase+".%(ext)s"), func(dp media.DownloadProgress) {
		emit(domain.ProgressEvent{
			Phase:   domain.PhaseDownload,
			Status:  "Downloading...",
			Percent: 10 + clampPct(dp.Percent)*0.7,
			Speed:   dp.Speed,
			ETA:     dp.ETA,
		})
	})
	if err != nil {
		p.log.Error("%s download failed: %v", req.Kind, err)
		p.removeTemps(dir, tempBase)
		return fail(err)
	}

	tempPath, err := findDownloaded(dir, tempBase)
	if err != nil {
		p.log.Error("%s download error: %v", req.Kind, err)
		return fail(err)
	}

	finalPath := filepath.Join(dir, safe+"_"+token+req.Kind.Ext())

	if strings.EqualFold(filepath.Ext(tempPath), req.Kind.Ext()) {
		if err := os.Rename(tempPath, finalPath); err != nil {
			fsutil.RemoveBestEffort(p.log, tempPath)
			return fail(fmt.Errorf("move download into place: %w", err))
		}
	} else {
		if err := p.convert(ctx, req.Kind, tempPath, finalPath, emit); err != nil {
			p.log.Error("%s conversion failed: %v", req.Kind, err)
			fsutil.RemoveBestEffort(p.log, tempPath)
			fsutil.RemoveBestEffort(p.log, finalPath)
			return fail(err)
		}
		fsutil.RemoveBestEffort(p.log, tempPath)
	}

	emit(domain.ProgressEvent{Phase: domain.PhaseDone, Status: "Complete", Percent: 100, Force: true})

	size := fsutil.SizeMB(finalPath)
	if err := p.quota.Add(ctx, req.UserID, size); err != nil {
		p.log.Warn("Could not record usage for user %d: %v", req.UserID, err)
	}
	record(size, finalPath, domain.DownloadSuccess, domain.UploadPending)

	p.log.Info("%s download completed: %s (%.2fMB)", req.Kind, finalPath, size)

	return Result{
		OK:       true,
		Message:  fmt.Sprintf("Download successful! (%.1fMB)", size),
		FilePath: finalPath,
		RecordID: id,
		SizeMB:   size,
	}
}

func (p *Pipeline) convert(ctx context.Context, kind domain.MediaKind, in, out string, emit func(domain.ProgressEvent)) error {
	status := "Converting to " + string(kind)
	args := media.VideoArgs
	if kind == domain.KindAudio {
		args = media.AudioArgs
	}

	emit(domain.ProgressEvent{Phase: domain.PhaseConvert, Status: status, Percent: 80, Force: true})

	duration, err := p.transcoder.Duration(ctx, in)
	if err != nil {
		p.log.Debug("No duration for %s, converting without progress: %v", in, err)
		duration = 0
	}

	return p.transcoder.Transcode(ctx, in, out, args, duration, func(pct float64) {
		emit(domain.ProgressEvent{Phase: domain.PhaseConvert, Status: status, Percent: 80 + clampPct(pct)*0.19})
	})
}

func (p *Pipeline) removeTemps(dir, base string) {
	matches, _ := filepath.Glob(filepath.Join(dir, base+".*"))
	for _, m := range matches {
		fsutil.RemoveBestEffort(p.log, m)
	}
}

// findDownloaded locates the file yt-dlp wrote for the temp base name,
// skipping its .part and .ytdl leftovers.
func findDownloaded(dir, base string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, base+".*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		ext := filepath.Ext(m)
		if ext == ".part" || ext == ".ytdl" {
			continue
		}
		return m, nil
	}
	return "", errors.New("file not found after download")
}

func toolDetail(err error) string {
	var toolErr *media.ToolError
	if errors.As(err, &toolErr) && toolErr.Stderr != "" {
		return toolErr.Stderr
	}
	return err.Error()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func clampPct(p float64) float64 {
	return max(0, min(p, 100))
}
