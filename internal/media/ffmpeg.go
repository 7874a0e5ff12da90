package media

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// AudioArgs converts to 128k MP3.
	AudioArgs = []string{"-acodec", "mp3", "-ab", "128k"}
	// VideoArgs converts to H.264/AAC MP4.
	VideoArgs = []string{"-c:v", "libx264", "-c:a", "aac", "-crf", "23", "-preset", "fast"}
)

// Tier is one compression profile.
type Tier struct {
	VideoBitrate string
	AudioBitrate string
	CRF          string
}

// Args returns the encoder flags for the tier.
func (t Tier) Args() []string {
	return []string{
		"-c:v", "libx264",
		"-b:v", t.VideoBitrate,
		"-c:a", "aac",
		"-b:a", t.AudioBitrate,
		"-crf", t.CRF,
		"-preset", "fast",
		"-movflags", "+faststart",
	}
}

type CLIFFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

// NewCLIFFmpeg resolves both ffmpeg and ffprobe.
func NewCLIFFmpeg(ffmpegBin, ffprobeBin string) (*CLIFFmpeg, error) {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}

	ff, err := lookPath(ffmpegBin)
	if err != nil {
		return nil, err
	}
	probe, err := lookPath(ffprobeBin)
	if err != nil {
		return nil, err
	}
	return &CLIFFmpeg{FFmpegPath: ff, FFprobePath: probe}, nil
}

// Duration returns the container duration in seconds.
func (f *CLIFFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	out, err := output(ctx, f.FFprobePath,
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, err
	}

	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration of %s: %w", path, err)
	}
	return d, nil
}

// Transcode runs "ffmpeg -i in <args> -y out". When duration is positive,
// onPercent receives the share of it already encoded.
func (f *CLIFFmpeg) Transcode(ctx context.Context, in, out string, args []string, duration float64, onPercent func(float64)) error {
	full := append([]string{"-hide_banner", "-i", in}, args...)
	full = append(full, "-y", out)

	return run(ctx, f.FFmpegPath, full, func(stream Stream, line string) {
		if stream != Stderr || onPercent == nil || duration <= 0 {
			return
		}
		if t, ok := ParseFFmpegTime(line); ok {
			onPercent(min(t/duration*100, 100))
		}
	})
}

// Cut copies [start, start+length) of in into out without re-encoding.
func (f *CLIFFmpeg) Cut(ctx context.Context, in, out string, start, length float64) error {
	args := []string{
		"-hide_banner",
		"-i", in,
		"-ss", formatSeconds(start),
		"-t", formatSeconds(length),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-y", out,
	}
	return run(ctx, f.FFmpegPath, args, nil)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

var ffTime = regexp.MustCompile(`time=(\d+):(\d+):(\d+\.?\d*)`)

// ParseFFmpegTime extracts the "time=HH:MM:SS.ss" position from a stats line.
func ParseFFmpegTime(line string) (float64, bool) {
	m := ffTime.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	s, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return float64(h*3600+mi*60) + s, true
}
