package network

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

const logHeader = "# Network Status Log - Format: timestamp | status | response_time | error\n"

// StatusLog is the append-only, human-readable network log.
type StatusLog struct {
	mu   sync.Mutex
	path string
	log  *logger.Logger
	now  func() time.Time
}

func NewStatusLog(path string, log *logger.Logger) *StatusLog {
	l := &StatusLog{path: path, log: log, now: time.Now}

	if _, err := os.Stat(path); err != nil {
		if dir := filepath.Dir(path); dir != "." {
			_ = os.MkdirAll(dir, 0755)
		}
		if err := os.WriteFile(path, []byte(logHeader), 0644); err != nil {
			log.Error("Error creating %s: %v", path, err)
		} else {
			log.Info("Created %s", path)
		}
	}
	return l
}

// Append writes one line. Failures are logged, never returned.
func (l *StatusLog) Append(status domain.NetworkStatus, latency time.Duration, msg string) {
	line := fmt.Sprintf("%s | %s | %.2fs | %s\n",
		l.now().Format("2006-01-02 15:04:05"), strings.ToUpper(string(status)), latency.Seconds(), msg)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.log.Error("Error logging network status: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		l.log.Error("Error logging network status: %v", err)
	}
}

// Trim keeps the header lines and the last keep data lines.
// It returns how many data lines were dropped.
func (l *StatusLog) Trim(keep int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	header, data, err := l.read()
	if err != nil {
		l.log.Error("Error cleaning up network log: %v", err)
		return 0
	}
	if len(data) <= keep {
		return 0
	}

	dropped := len(data) - keep
	data = data[dropped:]

	var b strings.Builder
	for _, line := range header {
		b.WriteString(line + "\n")
	}
	for _, line := range data {
		b.WriteString(line + "\n")
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		l.log.Error("Error cleaning up network log: %v", err)
		return 0
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		l.log.Error("Error cleaning up network log: %v", err)
		return 0
	}

	l.log.Info("Cleaned up network log: kept last %d entries", keep)
	return dropped
}

// Tail returns the last n data lines, oldest first.
func (l *StatusLog) Tail(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, data, err := l.read()
	if err != nil {
		l.log.Error("Error reading network history: %v", err)
		return nil
	}
	if n > 0 && len(data) > n {
		data = data[len(data)-n:]
	}
	return data
}

func (l *StatusLog) read() (header, data []string, err error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#"):
			header = append(header, line)
		default:
			data = append(data, line)
		}
	}
	return header, data, sc.Err()
}
