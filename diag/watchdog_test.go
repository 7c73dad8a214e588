package diag

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forksentry/logger"
)

func init() {
	logger.Init("error")
}

type fakeProfileWriter struct {
	content string
}

func (f fakeProfileWriter) WriteTo(w io.Writer, debug int) error {
	_, err := io.WriteString(w, f.content)
	return err
}

func newTestWatchdog(dir string, now time.Time, progress, busy *int64) *Watchdog {
	w := New(Options{
		StallThreshold: 2 * time.Second,
		Dir:            dir,
		ProgressFn:     func() int64 { return *progress },
		BusyFn:         func() int64 { return *busy },
		DumpFlightRecorder: func(path string) error {
			return os.WriteFile(path, []byte("flight"), 0o600)
		},
		NowFn: func() time.Time { return now },
		ProfileLookupFn: func(name string) profileWriter {
			if name == "goroutine" {
				return fakeProfileWriter{content: "goroutine-profile"}
			}
			return nil
		},
	})
	w.last = *progress
	w.lastAt = now
	return w
}

func TestCheckDumpsOnStall(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress, busy := int64(42), int64(1)
	dir := t.TempDir()
	w := newTestWatchdog(dir, now, &progress, &busy)

	w.check(now.Add(3 * time.Second))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var foundEvent, foundTrace, foundProfile bool
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasPrefix(name, "forksentry-stall-") && strings.HasSuffix(name, ".json"):
			foundEvent = true
		case strings.HasPrefix(name, "forksentry-stall-") && strings.HasSuffix(name, ".trace"):
			foundTrace = true
		case strings.HasPrefix(name, "forksentry-goroutine-") && strings.HasSuffix(name, ".pprof"):
			data, _ := os.ReadFile(filepath.Join(dir, name))
			foundProfile = string(data) == "goroutine-profile"
		}
	}
	if !foundEvent || !foundTrace || !foundProfile {
		t.Fatalf("missing artifacts: event=%t trace=%t profile=%t", foundEvent, foundTrace, foundProfile)
	}
}

func TestCheckDumpsOncePerThreshold(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress, busy := int64(7), int64(2)
	dir := t.TempDir()
	w := newTestWatchdog(dir, now, &progress, &busy)

	w.check(now.Add(3 * time.Second))
	w.check(now.Add(4 * time.Second))

	events, _ := filepath.Glob(filepath.Join(dir, "forksentry-stall-*.json"))
	if len(events) != 1 {
		t.Fatalf("expected one stall event, got %d", len(events))
	}

	w.check(now.Add(6 * time.Second))
	events, _ = filepath.Glob(filepath.Join(dir, "forksentry-stall-*.json"))
	if len(events) != 2 {
		t.Fatalf("expected a second stall event after another threshold, got %d", len(events))
	}
}

func TestCheckIgnoresProgressAndIdle(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress, busy := int64(1), int64(1)
	dir := t.TempDir()
	w := newTestWatchdog(dir, now, &progress, &busy)

	progress = 2
	w.check(now.Add(3 * time.Second))

	busy = 0
	w.check(now.Add(10 * time.Second))

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no diagnostics, got %d files", len(entries))
	}
}

func TestStartIsNoopWhenDisabled(t *testing.T) {
	w := New(Options{Dir: t.TempDir()})
	w.Start(t.Context())
	if w.stopCh != nil {
		t.Fatal("watchdog without threshold must not start")
	}
	w.Close()
}

func TestStartAndClose(t *testing.T) {
	progress := int64(0)
	w := New(Options{
		StallThreshold: time.Second,
		Dir:            t.TempDir(),
		ProgressFn:     func() int64 { return progress },
	})
	w.Start(t.Context())
	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not stop the watchdog")
	}
}
