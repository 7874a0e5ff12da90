package engine

import (
	"context"
	"fmt"
	"html"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/fsutil"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/pipeline"
	"github.com/datallboy/gofetch/internal/splitter"
	"github.com/datallboy/gofetch/internal/telegram"
)

const anotherLink = "\n\nSend another link or /close to exit."

type Fetcher interface {
	Fetch(ctx context.Context, req pipeline.Request, events chan<- domain.ProgressEvent) pipeline.Result
}

type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, rows ...[]telegram.Button) (int, error)
	SendAudio(ctx context.Context, chatID int64, path, caption string) error
	SendVideo(ctx context.Context, chatID int64, path, caption string) error
}

type Progress interface {
	Start(ctx context.Context, chatID, userID int64, title string) (int, bool)
	Consume(ctx context.Context, userID int64, events <-chan domain.ProgressEvent)
	Finish(ctx context.Context, userID int64, success bool, message string) bool
	IsActive(userID int64) bool
}

type UploadTracker interface {
	UpdateUploadStatus(ctx context.Context, id string, status domain.UploadStatus) bool
}

type LargeVideo interface {
	Process(ctx context.Context, path string, chatID int64, send splitter.SendFunc, events chan<- domain.ProgressEvent) splitter.Result
}

// Deliverer runs one job: fetch with live progress, then send the file or
// hand it to the splitter, then record the upload outcome.
type Deliverer struct {
	fetcher  Fetcher
	sender   Sender
	progress Progress
	uploads  UploadTracker
	large    LargeVideo
	log      *logger.Logger

	directSendMB float64
}

func NewDeliverer(f Fetcher, s Sender, p Progress, u UploadTracker, large LargeVideo, directSendMB float64, log *logger.Logger) *Deliverer {
	return &Deliverer{
		fetcher:      f,
		sender:       s,
		progress:     p,
		uploads:      u,
		large:        large,
		log:          log,
		directSendMB: directSendMB,
	}
}

// Run reports every outcome to the user itself. A panic is recovered, logged,
// reported with the generic error message and returned as an error.
func (d *Deliverer) Run(ctx context.Context, job *domain.Job, stage func(domain.JobStatus)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			d.log.Error("Download error for user %d (%s): %v", job.UserID, job.URL, r)
			if d.progress.IsActive(job.UserID) {
				d.progress.Finish(ctx, job.UserID, false, "Error occurred!")
			}
			d.notify(ctx, job.ChatID, fmt.Sprintf("❌ An error occurred during download:\n%s\n\nTry again or /close to exit.", html.EscapeString(err.Error())))
		}
	}()

	d.log.Info("Download request: %s | User: %d | URL: %s", job.Kind, job.UserID, job.URL)

	requester := job.Username
	if requester == "" {
		requester = job.FirstName
	}
	req := pipeline.Request{UserID: job.UserID, Username: requester, URL: job.URL, Kind: job.Kind}

	var res pipeline.Result
	tracked := d.track(ctx, job, "📥 Downloading "+string(job.Kind), func(events chan<- domain.ProgressEvent) {
		res = d.fetcher.Fetch(ctx, req, events)
	})
	if tracked && d.progress.IsActive(job.UserID) {
		msg := "Download complete!"
		if !res.OK {
			msg = "Download failed!"
		}
		d.progress.Finish(ctx, job.UserID, res.OK, msg)
	}

	if !res.OK || res.FilePath == "" {
		d.notify(ctx, job.ChatID, res.Message)
		return fmt.Errorf("fetch %s: %s", job.URL, res.Message)
	}

	if stage != nil {
		stage(domain.StatusDelivering)
	}

	switch {
	case job.Kind == domain.KindAudio:
		return d.sendAudio(ctx, job, res)
	case res.SizeMB > d.directSendMB:
		return d.sendLarge(ctx, job, res)
	default:
		return d.sendVideo(ctx, job, res)
	}
}

func (d *Deliverer) sendAudio(ctx context.Context, job *domain.Job, res pipeline.Result) error {
	caption := fmt.Sprintf("🎵 %s\n👤 Requested by: %s", res.Message, html.EscapeString(job.FirstName))

	err := d.sender.SendAudio(ctx, job.ChatID, res.FilePath, caption)
	d.markUpload(ctx, res.RecordID, err == nil)

	if err != nil {
		d.log.Warn("Audio upload failed for %s: %v", res.RecordID, err)
		d.notify(ctx, job.ChatID, "⏳ Audio downloaded, but sending failed because of the connection.\n📡 It will be resent automatically when the connection improves!"+anotherLink)
		return nil
	}

	d.notify(ctx, job.ChatID, "✅ Audio sent successfully!"+anotherLink)
	return nil
}

func (d *Deliverer) sendVideo(ctx context.Context, job *domain.Job, res pipeline.Result) error {
	caption := fmt.Sprintf("🎬 %s\n👤 Requested by: %s", res.Message, html.EscapeString(job.FirstName))

	err := d.sender.SendVideo(ctx, job.ChatID, res.FilePath, caption)
	d.markUpload(ctx, res.RecordID, err == nil)

	if err != nil {
		d.log.Warn("Video upload failed for %s: %v", res.RecordID, err)
		d.notify(ctx, job.ChatID, "⏳ Video downloaded, but sending failed because of the connection.\n📡 It will be resent automatically when the connection improves!"+anotherLink)
		return nil
	}

	if fsutil.RemoveBestEffort(d.log, res.FilePath) {
		d.log.Info("Cleaned up video file: %s", res.FilePath)
	}
	d.notify(ctx, job.ChatID, "✅ Video sent successfully!"+anotherLink)
	return nil
}

func (d *Deliverer) sendLarge(ctx context.Context, job *domain.Job, res pipeline.Result) error {
	d.notify(ctx, job.ChatID, fmt.Sprintf("📹 %s\n\n⚠️ File too large (>%.0fMB)\n✂️ Processing split & compression...", res.Message, d.directSendMB))

	var out splitter.Result
	tracked := d.track(ctx, job, "✂️ Processing large video", func(events chan<- domain.ProgressEvent) {
		out = d.large.Process(ctx, res.FilePath, job.ChatID, d.sender.SendVideo, events)
	})
	if tracked && d.progress.IsActive(job.UserID) {
		d.progress.Finish(ctx, job.UserID, out.Success, out.Message)
	}

	d.markUpload(ctx, res.RecordID, out.Success)

	if fsutil.RemoveBestEffort(d.log, res.FilePath) {
		d.log.Info("Cleaned up original large file: %s", res.FilePath)
	}

	if !out.Success {
		d.notify(ctx, job.ChatID, "❌ "+out.Message)
		return nil
	}
	d.notify(ctx, job.ChatID, "✅ "+out.Message+anotherLink)
	return nil
}

// track runs work with a progress session fed from its event channel. When no
// session can be opened the events are drained and the user gets a notice.
func (d *Deliverer) track(ctx context.Context, job *domain.Job, title string, work func(chan<- domain.ProgressEvent)) bool {
	_, tracked := d.progress.Start(ctx, job.ChatID, job.UserID, title)
	if !tracked {
		d.notify(ctx, job.ChatID, "⚠️ Progress tracking unavailable, using fallback mode...")
	}

	events := make(chan domain.ProgressEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if tracked {
			d.progress.Consume(ctx, job.UserID, events)
			return
		}
		for range events {
		}
	}()

	defer func() {
		close(events)
		<-done
	}()
	work(events)

	return tracked
}

func (d *Deliverer) markUpload(ctx context.Context, recordID string, ok bool) {
	if recordID == "" {
		return
	}
	status := domain.UploadFailed
	if ok {
		status = domain.UploadSuccess
	}
	d.uploads.UpdateUploadStatus(ctx, recordID, status)
}

func (d *Deliverer) notify(ctx context.Context, chatID int64, text string) {
	if _, err := d.sender.SendMessage(ctx, chatID, text); err != nil {
		d.log.Warn("Failed to notify chat %d: %v", chatID, err)
	}
}
