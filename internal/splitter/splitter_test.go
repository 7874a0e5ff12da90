package splitter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/media"
)

const mb = 1024 * 1024

// sized creates a sparse file of the given size.
func sized(t *testing.T, path string, sizeMB float64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(int64(sizeMB * mb)); err != nil {
		t.Fatal(err)
	}
}

type cut struct{ start, length float64 }

type fakeTranscoder struct {
	t            *testing.T
	duration     float64
	compressedMB float64 // 0 means compression fails
	partMB       float64
	failCutAt    int // 1-based, 0 disables

	mu   sync.Mutex
	cuts []cut
	args []string
}

func (f *fakeTranscoder) Duration(context.Context, string) (float64, error) {
	if f.duration == 0 {
		return 0, errors.New("no duration")
	}
	return f.duration, nil
}

func (f *fakeTranscoder) Transcode(_ context.Context, _, out string, args []string, _ float64, _ func(float64)) error {
	f.mu.Lock()
	f.args = args
	f.mu.Unlock()
	if f.compressedMB == 0 {
		return &media.ToolError{Tool: "ffmpeg", ExitCode: 1}
	}
	sized(f.t, out, f.compressedMB)
	return nil
}

func (f *fakeTranscoder) Cut(_ context.Context, _, out string, start, length float64) error {
	f.mu.Lock()
	f.cuts = append(f.cuts, cut{start, length})
	n := len(f.cuts)
	f.mu.Unlock()

	if n == f.failCutAt {
		return &media.ToolError{Tool: "ffmpeg", ExitCode: 1}
	}
	sized(f.t, out, f.partMB)
	return nil
}

type sender struct {
	failOn   map[int]bool // 1-based call index
	calls    int
	captions []string
	paths    []string
}

func (s *sender) send(_ context.Context, _ int64, path, caption string) error {
	s.calls++
	s.captions = append(s.captions, caption)
	s.paths = append(s.paths, path)
	if s.failOn[s.calls] {
		return errors.New("upload refused")
	}
	return nil
}

func newSplitter(t *testing.T, tc Transcoder) (*Splitter, string) {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "temp_splits")
	s, err := New(tc, config.SplitConfig{CeilingMB: 45, TempDir: tmp, Delay: time.Second}, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s, tmp
}

func TestPlan(t *testing.T) {
	tests := []struct {
		size, dur float64
		parts     int
		per       float64
	}{
		{120, 600, 3, 200},
		{45, 600, 1, 600},
		{46, 100, 2, 50},
		{90, 90, 2, 45},
	}
	for _, tt := range tests {
		n, per := Plan(tt.size, tt.dur, 45)
		if n != tt.parts || per != tt.per {
			t.Errorf("Plan(%v, %v) = %d, %v; want %d, %v", tt.size, tt.dur, n, per, tt.parts, tt.per)
		}
	}
}

func TestChooseTier(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0.2, "500k"},
		{0.3, "800k"},
		{0.59, "800k"},
		{0.6, "1200k"},
		{0.9, "1200k"},
	}
	for _, tt := range tests {
		if got := ChooseTier(tt.ratio).VideoBitrate; got != tt.want {
			t.Errorf("ChooseTier(%v) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
}

func TestProcessSmallFileSentDirectly(t *testing.T) {
	tc := &fakeTranscoder{t: t}
	s, _ := newSplitter(t, tc)
	in := filepath.Join(t.TempDir(), "clip.mp4")
	sized(t, in, 10)

	snd := &sender{}
	res := s.Process(context.Background(), in, 1, snd.send, nil)

	if !res.Success || res.Sent != 1 || snd.captions[0] != "🎬 clip.mp4" {
		t.Fatalf("res = %+v, captions %q", res, snd.captions)
	}
	if len(tc.cuts) != 0 || tc.args != nil {
		t.Error("small file was transcoded")
	}
}

func TestProcessCompressionSuffices(t *testing.T) {
	tc := &fakeTranscoder{t: t, duration: 600, compressedMB: 40}
	s, tmp := newSplitter(t, tc)
	in := filepath.Join(t.TempDir(), "talk.mp4")
	sized(t, in, 60)

	snd := &sender{}
	res := s.Process(context.Background(), in, 1, snd.send, nil)

	if !res.Success || res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("res = %+v", res)
	}
	if snd.captions[0] != "🎬 talk.mp4 (compressed)\n📊 40.0MB" {
		t.Errorf("caption = %q", snd.captions[0])
	}
	if !strings.Contains(strings.Join(tc.args, " "), "-b:v 1200k") {
		t.Errorf("ratio 0.75 used args %q", tc.args)
	}
	if entries, _ := os.ReadDir(tmp); len(entries) != 0 {
		t.Errorf("temp dir not cleaned: %v", entries)
	}
}

func TestProcessSplits(t *testing.T) {
	tests := []struct {
		name        string
		failOn      map[int]bool
		wantSuccess bool
		wantMsg     string
		wantSent    int
		wantFailed  int
	}{
		{"all parts", nil, true, "Video delivered in 3 parts", 3, 0},
		{"one part fails", map[int]bool{2: true}, true, "Partially delivered (2/3 parts)", 2, 1},
		{"nothing sent", map[int]bool{1: true, 2: true, 3: true}, false, "Failed to deliver all 3 parts", 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// compression fails, so the 120MB original is split
			tc := &fakeTranscoder{t: t, duration: 600, partMB: 40}
			s, tmp := newSplitter(t, tc)
			in := filepath.Join(t.TempDir(), "movie.mp4")
			sized(t, in, 120)

			snd := &sender{failOn: tt.failOn}
			res := s.Process(context.Background(), in, 1, snd.send, nil)

			if res.Success != tt.wantSuccess || res.Message != tt.wantMsg || res.Sent != tt.wantSent || res.Failed != tt.wantFailed {
				t.Fatalf("res = %+v", res)
			}

			want := []cut{{0, 200}, {200, 200}, {400, 200}}
			if len(tc.cuts) != len(want) {
				t.Fatalf("cuts = %v", tc.cuts)
			}
			for i := range want {
				if tc.cuts[i] != want[i] {
					t.Errorf("cut %d = %v, want %v", i, tc.cuts[i], want[i])
				}
			}

			if snd.captions[0] != "🎬 <b>Part 1/3</b>\n📁 movie.mp4\n📊 Size: 40.0MB" {
				t.Errorf("caption = %q", snd.captions[0])
			}
			if base := filepath.Base(snd.paths[2]); !strings.HasPrefix(base, "movie_") || !strings.HasSuffix(base, "_part03.mp4") {
				t.Errorf("third part path = %s", snd.paths[2])
			}
			if entries, _ := os.ReadDir(tmp); len(entries) != 0 {
				t.Errorf("temp dir not cleaned: %v", entries)
			}
		})
	}
}

func TestProcessConcurrentSameName(t *testing.T) {
	// compression fails for both, so each 120MB original is split in three
	tc := &fakeTranscoder{t: t, duration: 600, partMB: 40}
	s, tmp := newSplitter(t, tc)

	var inputs []string
	for _, user := range []string{"111", "222"} {
		dir := filepath.Join(t.TempDir(), user, "video")
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		in := filepath.Join(dir, "song.mp4")
		sized(t, in, 120)
		inputs = append(inputs, in)
	}

	// Both jobs hold their first upload until the other has cut its parts.
	var ready sync.WaitGroup
	ready.Add(len(inputs))

	senders := make([]*sender, len(inputs))
	results := make([]Result, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		snd := &sender{}
		senders[i] = snd
		var once sync.Once
		send := func(ctx context.Context, chatID int64, path, caption string) error {
			once.Do(func() {
				ready.Done()
				ready.Wait()
			})
			if _, err := os.Stat(path); err != nil {
				return err
			}
			return snd.send(ctx, chatID, path, caption)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.Process(context.Background(), in, int64(i+1), send, nil)
		}()
	}
	wg.Wait()

	seen := map[string]int{}
	for i, res := range results {
		if !res.Success || res.Sent != 3 || res.Failed != 0 {
			t.Fatalf("job %d: res = %+v", i, res)
		}
		for _, p := range senders[i].paths {
			if owner, ok := seen[p]; ok {
				t.Fatalf("part %s sent to job %d and job %d", p, owner, i)
			}
			seen[p] = i
		}
	}
	if entries, _ := os.ReadDir(tmp); len(entries) != 0 {
		t.Errorf("temp dir not cleaned: %v", entries)
	}
}

func TestProcessZeroParts(t *testing.T) {
	tests := []struct {
		name string
		tc   *fakeTranscoder
	}{
		{"cut fails", &fakeTranscoder{duration: 600, partMB: 40, failCutAt: 2}},
		{"unknown duration", &fakeTranscoder{partMB: 40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tc.t = t
			s, tmp := newSplitter(t, tt.tc)
			in := filepath.Join(t.TempDir(), "movie.mp4")
			sized(t, in, 120)

			snd := &sender{}
			res := s.Process(context.Background(), in, 1, snd.send, nil)

			if res != (Result{Message: "Failed to split video"}) {
				t.Fatalf("res = %+v", res)
			}
			if snd.calls != 0 {
				t.Errorf("sent %d files", snd.calls)
			}
			if entries, _ := os.ReadDir(tmp); len(entries) != 0 {
				t.Errorf("temp dir not cleaned: %v", entries)
			}
		})
	}
}

func TestCleanupTemp(t *testing.T) {
	s, tmp := newSplitter(t, &fakeTranscoder{t: t})

	old := filepath.Join(tmp, "old_part01.mp4")
	fresh := filepath.Join(tmp, "fresh_part01.mp4")
	sized(t, old, 1)
	sized(t, fresh, 1)
	past := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	if n := s.CleanupTemp(2 * time.Hour); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file removed")
	}
}
