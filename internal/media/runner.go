// Package media wraps the external extraction and transcoding tools.
package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/datallboy/gofetch/internal/domain"
)

const maxKeptOutput = 8192

// ToolError is a non-zero exit from an external tool.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Stderr)
}

func (e *ToolError) Unwrap() error { return domain.ErrToolFailed }

// Stream identifies which pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// ObserveToolOutput reads r line by line, treating both "\n" and "\r" as line
// ends so carriage-return progress bars arrive as separate lines.
func ObserveToolOutput(r io.Reader, onLine func(line string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(splitByNewlineOrCR)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		onLine(line)
	}
	return sc.Err()
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// run executes bin and streams every output line to onLine. A non-zero exit
// becomes a *ToolError carrying the head of stderr.
func run(ctx context.Context, bin string, args []string, onLine func(Stream, string)) error {
	cmd := exec.CommandContext(ctx, bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}

	var (
		mu     sync.Mutex
		errBuf strings.Builder
		wg     sync.WaitGroup
	)

	read := func(stream Stream, r io.Reader) {
		defer wg.Done()
		_ = ObserveToolOutput(r, func(line string) {
			if stream == Stderr {
				mu.Lock()
				appendLimited(&errBuf, line)
				mu.Unlock()
			}
			if onLine != nil {
				onLine(stream, line)
			}
		})
	}

	wg.Add(2)
	go read(Stdout, stdout)
	go read(Stderr, stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			mu.Lock()
			defer mu.Unlock()
			return &ToolError{Tool: filepath.Base(bin), ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(errBuf.String())}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w", bin, ctx.Err())
		}
		return fmt.Errorf("%s failed: %w", bin, err)
	}
	return nil
}

func appendLimited(b *strings.Builder, line string) {
	if b.Len() >= maxKeptOutput {
		return
	}
	s := line + "\n"
	if remain := maxKeptOutput - b.Len(); len(s) > remain {
		s = s[:remain]
	}
	b.WriteString(s)
}

// output runs bin and returns stdout in full. Used for short metadata calls.
func output(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr := string(exitErr.Stderr)
			if len(stderr) > maxKeptOutput {
				stderr = stderr[:maxKeptOutput]
			}
			return nil, &ToolError{Tool: filepath.Base(bin), ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr)}
		}
		return nil, fmt.Errorf("%s failed: %w", bin, err)
	}
	return out, nil
}

func lookPath(bin string) (string, error) {
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("%s binary not found in PATH: %w", bin, err)
	}
	return path, nil
}
