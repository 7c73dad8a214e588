package tracing

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime/trace"
	"sync"
	"time"
)

var (
	flightMu       sync.Mutex
	flightRecorder *trace.FlightRecorder
)

// StartFlightRecorder enables the in-memory flight recorder. The recorder is
// available regardless of the trace build tag.
func StartFlightRecorder(maxBytes uint64, minAge time.Duration) error {
	flightMu.Lock()
	defer flightMu.Unlock()
	if flightRecorder != nil {
		return nil
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MaxBytes: maxBytes,
		MinAge:   minAge,
	})
	if err := fr.Start(); err != nil {
		return err
	}
	flightRecorder = fr
	return nil
}

// StopFlightRecorder stops the flight recorder if it is running.
func StopFlightRecorder() {
	flightMu.Lock()
	defer flightMu.Unlock()
	if flightRecorder != nil {
		flightRecorder.Stop()
		flightRecorder = nil
	}
}

// WriteFlightRecorder writes the current flight recorder window to the given path.
func WriteFlightRecorder(path string) error {
	flightMu.Lock()
	defer flightMu.Unlock()
	if flightRecorder == nil || !flightRecorder.Enabled() {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = flightRecorder.WriteTo(f)
	return err
}

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DumpFlightRecorder writes the recorder window for a failed job into dir and
// returns the file written, or "" when the recorder is off.
func DumpFlightRecorder(dir, label string) (string, error) {
	flightMu.Lock()
	enabled := flightRecorder != nil && flightRecorder.Enabled()
	flightMu.Unlock()
	if !enabled {
		return "", nil
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	name := fmt.Sprintf("flight-%s-%s.trace", unsafeLabel.ReplaceAllString(label, "_"), time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)
	if err := WriteFlightRecorder(path); err != nil {
		return "", err
	}
	return path, nil
}
