// Package fsutil holds the small file-system helpers shared by the pipeline,
// splitter, retry engine and bot.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const bytesPerMB = 1024 * 1024

// Warner is the slice of the logger that best-effort helpers need.
type Warner interface {
	Warn(format string, v ...any)
}

// RemoveBestEffort deletes path and never propagates a failure.
// A missing file counts as removed. Other errors are logged and reported as false.
func RemoveBestEffort(log Warner, path string) bool {
	if path == "" {
		return false
	}

	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return true
	}

	if log != nil {
		log.Warn("cleanup of %s failed: %v", path, err)
	}
	return false
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// SizeMB returns the file size in MiB, or 0 when it cannot be read.
func SizeMB(path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return BytesToMB(info.Size())
}

func BytesToMB(n int64) float64 {
	return float64(n) / bytesPerMB
}

// SafeTitle keeps letters, digits, space, dash and underscore, trims trailing
// spaces and caps the result at 50 runes.
func SafeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}

	res := []rune(strings.TrimRight(b.String(), " "))
	if len(res) > 50 {
		res = res[:50]
	}

	out := strings.TrimSpace(string(res))
	if out == "" {
		return "media"
	}
	return out
}

// CleanOlderThan removes regular files under dir whose mtime is older than maxAge.
// When recursive is false only the top level is scanned. match may be nil.
func CleanOlderThan(log Warner, dir string, maxAge time.Duration, recursive bool, match func(path string) bool) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if match != nil && !match(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}

		if RemoveBestEffort(log, path) {
			removed++
		}
		return nil
	})

	return removed
}
