// Package diag watches running analysis jobs and captures diagnostics when
// they stop making progress.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"forksentry/logger"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

type Options struct {
	// StallThreshold is how long busy jobs may go without progress before a
	// dump is taken. Zero disables the watchdog.
	StallThreshold time.Duration
	Dir            string
	// ProgressFn returns a counter that grows while jobs advance.
	ProgressFn func() int64
	// BusyFn reports how many jobs are in flight.
	BusyFn             func() int64
	DumpFlightRecorder func(path string) error
	NowFn              func() time.Time
	ProfileLookupFn    func(name string) profileWriter
}

// Watchdog samples job progress and writes a stall event, a goroutine
// profile and a flight recorder window when progress stops.
type Watchdog struct {
	opts Options

	mu         sync.Mutex
	lastAt     time.Time
	last       int64
	lastDumpAt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(opts Options) *Watchdog {
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.ProfileLookupFn == nil {
		opts.ProfileLookupFn = func(name string) profileWriter {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Watchdog{opts: opts}
}

func (w *Watchdog) Start(ctx context.Context) {
	if w == nil || w.opts.StallThreshold <= 0 || w.opts.ProgressFn == nil || w.stopCh != nil {
		return
	}

	w.mu.Lock()
	w.last = w.opts.ProgressFn()
	w.lastAt = w.opts.NowFn()
	w.lastDumpAt = time.Time{}
	w.mu.Unlock()

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	interval := min(max(w.opts.StallThreshold/2, 250*time.Millisecond), 5*time.Second)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(w.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.check(w.opts.NowFn())
			}
		}
	}()
}

func (w *Watchdog) Close() {
	if w == nil || w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.stopCh = nil
	w.doneCh = nil
}

func (w *Watchdog) check(now time.Time) {
	progress := w.opts.ProgressFn()
	busy := int64(1)
	if w.opts.BusyFn != nil {
		busy = w.opts.BusyFn()
	}

	w.mu.Lock()
	// An idle server is not stalled.
	if progress != w.last || busy == 0 {
		w.last = progress
		w.lastAt = now
		w.mu.Unlock()
		return
	}
	stalledFor := now.Sub(w.lastAt)
	shouldDump := stalledFor >= w.opts.StallThreshold &&
		(w.lastDumpAt.IsZero() || now.Sub(w.lastDumpAt) >= w.opts.StallThreshold)
	if shouldDump {
		w.lastDumpAt = now
	}
	w.mu.Unlock()

	if shouldDump {
		logger.Warnf("No job progress for %s with %d job(s) in flight, capturing diagnostics", stalledFor.Round(time.Second), busy)
		if err := w.dump(now, progress, busy, stalledFor); err != nil {
			logger.Warnf("Stall diagnostics failed: %v", err)
		}
	}
}

func (w *Watchdog) dump(now time.Time, progress, busy int64, stalledFor time.Duration) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return err
	}
	ts := now.UTC().Format("20060102-150405.000")
	event := map[string]interface{}{
		"event":       "job_stalled",
		"timestamp":   now.UTC().Format(time.RFC3339Nano),
		"progress":    progress,
		"jobs":        busy,
		"threshold_s": w.opts.StallThreshold.Seconds(),
		"stalled_s":   stalledFor.Seconds(),
	}
	b, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.opts.Dir, fmt.Sprintf("forksentry-stall-%s.json", ts)), b, 0o600); err != nil {
		return err
	}

	if _, err := w.writeProfile("goroutine", 2, ts); err != nil {
		logger.Warnf("Goroutine profile dump failed: %v", err)
	}
	if w.opts.DumpFlightRecorder != nil {
		tracePath := filepath.Join(w.opts.Dir, fmt.Sprintf("forksentry-stall-%s.trace", ts))
		if err := w.opts.DumpFlightRecorder(tracePath); err != nil {
			logger.Warnf("Flight recorder dump failed: %v", err)
		}
	}
	return nil
}

func (w *Watchdog) writeProfile(name string, debug int, ts string) (string, error) {
	profile := w.opts.ProfileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	path := filepath.Join(w.opts.Dir, fmt.Sprintf("forksentry-%s-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
