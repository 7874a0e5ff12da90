package platform

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/datallboy/gofetch/internal/infra/config"
)

// Binary is one external tool the bot shells out to.
type Binary struct {
	Name    string
	Path    string
	Purpose string
}

// RequiredBinaries lists the external system binaries the bot needs to function.
func RequiredBinaries(cfg config.DownloadConfig) []Binary {
	return []Binary{
		{Name: "yt-dlp", Path: orDefault(cfg.YtDlpBinary, "yt-dlp"), Purpose: "media extraction"},
		{Name: "ffmpeg", Path: orDefault(cfg.FFmpegBinary, "ffmpeg"), Purpose: "conversion, compression and splitting"},
		{Name: "ffprobe", Path: orDefault(cfg.FFprobeBinary, "ffprobe"), Purpose: "duration probing"},
	}
}

// Check is the LookPath result for one binary.
type Check struct {
	Binary
	Resolved string
	Err      error
}

// CheckDependencies resolves every required binary without failing early.
func CheckDependencies(cfg config.DownloadConfig) []Check {
	bins := RequiredBinaries(cfg)
	out := make([]Check, 0, len(bins))
	for _, b := range bins {
		resolved, err := exec.LookPath(b.Path)
		out = append(out, Check{Binary: b, Resolved: resolved, Err: err})
	}
	return out
}

// ValidateDependencies fails when any required binary is missing from PATH.
func ValidateDependencies(cfg config.DownloadConfig) error {
	var missing []string
	for _, c := range CheckDependencies(cfg) {
		if c.Err != nil {
			missing = append(missing, fmt.Sprintf("'%s' (%s)", c.Path, c.Purpose))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required dependency not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
