package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/datallboy/gofetch/internal/domain"
)

const (
	AudioFormat = "bestaudio[ext=m4a]/bestaudio[ext=mp3]/bestaudio"
	VideoFormat = "best[height<=720][ext=mp4]/best[ext=mp4]/best"
)

// Info is the subset of yt-dlp metadata the pipeline uses.
type Info struct {
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	Uploader   string  `json:"uploader"`
	WebpageURL string  `json:"webpage_url"`
}

// DownloadProgress is one parsed "[download]" line.
type DownloadProgress struct {
	Percent float64
	Speed   string
	ETA     string
}

type CLIYtDlp struct {
	BinaryPath string
}

// NewCLIYtDlp resolves the yt-dlp binary. Returns an error if it is not in PATH.
func NewCLIYtDlp(bin string) (*CLIYtDlp, error) {
	if bin == "" {
		bin = "yt-dlp"
	}
	path, err := lookPath(bin)
	if err != nil {
		return nil, err
	}
	return &CLIYtDlp{BinaryPath: path}, nil
}

// Info fetches metadata without downloading.
func (y *CLIYtDlp) Info(ctx context.Context, url string) (*Info, error) {
	out, err := output(ctx, y.BinaryPath, "--no-download", "--print-json", "--no-playlist", url)
	if err != nil {
		return nil, err
	}

	// --print-json emits one object per line; with --no-playlist there is one
	line := out
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		line = out[:i]
	}

	var info Info
	if err := json.Unmarshal(line, &info); err != nil {
		return nil, fmt.Errorf("decode yt-dlp metadata: %w", err)
	}
	if info.Title == "" {
		info.Title = "Unknown"
	}
	return &info, nil
}

// Download fetches url into outTemplate (a yt-dlp output template) using the
// format for kind, reporting every progress line.
func (y *CLIYtDlp) Download(ctx context.Context, url string, kind domain.MediaKind, outTemplate string, onProgress func(DownloadProgress)) error {
	format := VideoFormat
	if kind == domain.KindAudio {
		format = AudioFormat
	}

	args := []string{
		"--format", format,
		"--no-playlist",
		"--output", outTemplate,
		"--newline",
		url,
	}

	return run(ctx, y.BinaryPath, args, func(stream Stream, line string) {
		if stream != Stdout || onProgress == nil {
			return
		}
		if p, ok := ParseDownloadLine(line); ok {
			onProgress(p)
		}
	})
}

var (
	dlPercent = regexp.MustCompile(`(\d+\.?\d*)%`)
	dlSpeed   = regexp.MustCompile(`at\s+([^\s]+/s)`)
	dlETA     = regexp.MustCompile(`ETA\s+([^\s]+)`)
)

// ParseDownloadLine reads a yt-dlp "[download]  42.0% of 10MiB at 1.2MiB/s ETA 00:05" line.
func ParseDownloadLine(line string) (DownloadProgress, bool) {
	if !strings.Contains(line, "[download]") || !strings.Contains(line, "%") {
		return DownloadProgress{}, false
	}

	m := dlPercent.FindStringSubmatch(line)
	if m == nil {
		return DownloadProgress{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return DownloadProgress{}, false
	}

	p := DownloadProgress{Percent: pct}
	if s := dlSpeed.FindStringSubmatch(line); s != nil {
		p.Speed = s[1]
	}
	if e := dlETA.FindStringSubmatch(line); e != nil {
		p.ETA = e[1]
	}
	return p, true
}
