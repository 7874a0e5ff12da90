// Package splitter delivers videos larger than the upload ceiling by
// compressing them and, when that is not enough, cutting them into parts.
package splitter

import (
	"context"
	"fmt"
	"html"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/fsutil"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/media"
)

// Transcoder is the subset of ffmpeg the splitter drives.
type Transcoder interface {
	Duration(ctx context.Context, path string) (float64, error)
	Transcode(ctx context.Context, in, out string, args []string, duration float64, onPercent func(float64)) error
	Cut(ctx context.Context, in, out string, start, length float64) error
}

// SendFunc uploads one file to chatID.
type SendFunc func(ctx context.Context, chatID int64, path, caption string) error

type Result struct {
	Success bool
	Message string
	Sent    int
	Failed  int
}

var (
	tierHeavy  = media.Tier{VideoBitrate: "500k", AudioBitrate: "64k", CRF: "28"}
	tierMedium = media.Tier{VideoBitrate: "800k", AudioBitrate: "96k", CRF: "25"}
	tierLight  = media.Tier{VideoBitrate: "1200k", AudioBitrate: "128k", CRF: "23"}
)

// ChooseTier picks the compression profile for ratio = ceiling/size.
func ChooseTier(ratio float64) media.Tier {
	switch {
	case ratio < 0.3:
		return tierHeavy
	case ratio < 0.6:
		return tierMedium
	default:
		return tierLight
	}
}

// Plan returns how many parts a file needs and the length of each.
func Plan(sizeMB, durationSec, ceilingMB float64) (parts int, perPart float64) {
	if sizeMB <= ceilingMB {
		return 1, durationSec
	}
	parts = int(math.Ceil(sizeMB / ceilingMB))
	return parts, durationSec / float64(parts)
}

type Splitter struct {
	tc    Transcoder
	cfg   config.SplitConfig
	log   *logger.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func New(tc Transcoder, cfg config.SplitConfig, log *logger.Logger) (*Splitter, error) {
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("create split temp dir: %w", err)
	}
	return &Splitter{tc: tc, cfg: cfg, log: log, sleep: sleepCtx}, nil
}

// Process delivers path to chatID through send, compressing and splitting as needed.
// events may be nil.
func (s *Splitter) Process(ctx context.Context, path string, chatID int64, send SendFunc, events chan<- domain.ProgressEvent) Result {
	emit := func(phase domain.Phase, status string, pct float64) {
		if events == nil {
			return
		}
		select {
		case events <- domain.ProgressEvent{Phase: phase, Status: status, Percent: pct, Force: true}:
		case <-ctx.Done():
		}
	}

	name := filepath.Base(path)
	size := fsutil.SizeMB(path)

	if size <= s.cfg.CeilingMB {
		if err := send(ctx, chatID, path, "🎬 "+html.EscapeString(name)); err != nil {
			s.log.Warn("Failed to send %s: %v", name, err)
			return Result{Message: "Failed to send video", Failed: 1}
		}
		return Result{Success: true, Message: "Video sent", Sent: 1}
	}

	s.log.Info("Processing large video: %s (%.1fMB)", name, size)
	emit(domain.PhaseCompress, "Compressing video...", 5)

	// Jobs share the temp dir; the prefix keeps same-named inputs apart.
	prefix := baseName(path) + "_" + uuid.NewString()[:8]

	working := path
	if compressed, ok := s.compress(ctx, path, prefix, size, emit); ok {
		csize := fsutil.SizeMB(compressed)
		if csize <= s.cfg.CeilingMB {
			s.log.Info("Compression sufficient, no splitting needed: %.1fMB", csize)
			emit(domain.PhaseUpload, "Sending compressed video...", 90)

			err := send(ctx, chatID, compressed, fmt.Sprintf("🎬 %s (compressed)\n📊 %.1fMB", html.EscapeString(name), csize))
			fsutil.RemoveBestEffort(s.log, compressed)
			if err != nil {
				s.log.Warn("Failed to send compressed video: %v", err)
				return Result{Message: "Failed to send compressed video", Failed: 1}
			}
			return Result{Success: true, Message: fmt.Sprintf("Video delivered after compression (%.1fMB)", csize), Sent: 1}
		}
		working = compressed
	}

	emit(domain.PhaseSplit, "Splitting video...", 20)
	parts := s.split(ctx, working, prefix, emit)

	defer func() {
		if working != path {
			fsutil.RemoveBestEffort(s.log, working)
		}
		for _, p := range parts {
			fsutil.RemoveBestEffort(s.log, p)
		}
	}()

	if len(parts) == 0 {
		return Result{Message: "Failed to split video"}
	}

	sent, failed := s.sendParts(ctx, parts, chatID, name, send, emit)
	total := len(parts)

	switch {
	case sent == total:
		return Result{Success: true, Message: fmt.Sprintf("Video delivered in %d parts", total), Sent: sent, Failed: failed}
	case sent > 0:
		return Result{Success: true, Message: fmt.Sprintf("Partially delivered (%d/%d parts)", sent, total), Sent: sent, Failed: failed}
	default:
		return Result{Message: fmt.Sprintf("Failed to deliver all %d parts", total), Sent: sent, Failed: failed}
	}
}

func (s *Splitter) compress(ctx context.Context, in, prefix string, size float64, emit func(domain.Phase, string, float64)) (string, bool) {
	out := filepath.Join(s.cfg.TempDir, prefix+"_compressed.mp4")
	ratio := s.cfg.CeilingMB / size
	tier := ChooseTier(ratio)

	s.log.Info("Compressing video: %.1fMB -> ~%.0fMB (ratio %.2f, %s)", size, s.cfg.CeilingMB, ratio, tier.VideoBitrate)

	duration, err := s.tc.Duration(ctx, in)
	if err != nil {
		duration = 0
	}

	err = s.tc.Transcode(ctx, in, out, tier.Args(), duration, func(pct float64) {
		emit(domain.PhaseCompress, "Compressing video...", 5+pct*0.1)
	})
	if err != nil || !fsutil.Exists(out) {
		s.log.Error("Compression failed: %v", err)
		fsutil.RemoveBestEffort(s.log, out)
		return "", false
	}

	s.log.Info("Compression successful: %.1fMB -> %.1fMB", size, fsutil.SizeMB(out))
	return out, true
}

// split cuts in into ceiling-sized parts. Any failure removes what was made and returns nil.
func (s *Splitter) split(ctx context.Context, in, prefix string, emit func(domain.Phase, string, float64)) []string {
	duration, err := s.tc.Duration(ctx, in)
	if err != nil || duration <= 0 {
		s.log.Error("Cannot split %s: unknown duration (%v)", in, err)
		return nil
	}

	n, per := Plan(fsutil.SizeMB(in), duration, s.cfg.CeilingMB)
	s.log.Info("Splitting video into %d parts (%.1fs each)", n, per)

	parts := make([]string, 0, n)
	for i := range n {
		out := filepath.Join(s.cfg.TempDir, fmt.Sprintf("%s_part%02d.mp4", prefix, i+1))
		emit(domain.PhaseSplit, fmt.Sprintf("Creating part %d/%d...", i+1, n), 20+float64(i)*65/float64(n))

		if err := s.tc.Cut(ctx, in, out, float64(i)*per, per); err != nil || !fsutil.Exists(out) {
			s.log.Error("Failed to create part %d: %v", i+1, err)
			fsutil.RemoveBestEffort(s.log, out)
			for _, p := range parts {
				fsutil.RemoveBestEffort(s.log, p)
			}
			return nil
		}
		parts = append(parts, out)
		s.log.Info("Part %d/%d created: %.1fMB", i+1, n, fsutil.SizeMB(out))
	}
	return parts
}

func (s *Splitter) sendParts(ctx context.Context, parts []string, chatID int64, name string, send SendFunc, emit func(domain.Phase, string, float64)) (sent, failed int) {
	total := len(parts)
	for i, part := range parts {
		num := i + 1
		size := fsutil.SizeMB(part)
		caption := fmt.Sprintf("🎬 <b>Part %d/%d</b>\n📁 %s\n📊 Size: %.1fMB", num, total, html.EscapeString(name), size)

		emit(domain.PhaseUpload, fmt.Sprintf("Sending part %d/%d...", num, total), 85+float64(i)*15/float64(total))

		if err := send(ctx, chatID, part, caption); err != nil {
			failed++
			s.log.Warn("Failed to send part %d/%d: %v", num, total, err)
			continue
		}

		sent++
		fsutil.RemoveBestEffort(s.log, part)
		if num < total {
			if err := s.sleep(ctx, s.cfg.Delay); err != nil {
				failed += total - num
				break
			}
		}
	}

	s.log.Info("Upload summary: %d/%d successful, %d failed", sent, total, failed)
	return sent, failed
}

// CleanupTemp removes files in the temp dir older than maxAge.
func (s *Splitter) CleanupTemp(maxAge time.Duration) int {
	n := fsutil.CleanOlderThan(s.log, s.cfg.TempDir, maxAge, false, nil)
	if n > 0 {
		s.log.Info("Cleaned up %d temporary split files", n)
	}
	return n
}

func baseName(path string) string {
	b := filepath.Base(path)
	return strings.TrimSuffix(b, filepath.Ext(b))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
