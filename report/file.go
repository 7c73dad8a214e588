package report

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"forksentry/logger"
	"forksentry/model"
)

type fileRecord struct {
	RecordType    string                `json:"record_type"`
	SchemaVersion string                `json:"schema_version"`
	WrittenAt     string                `json:"written_at"`
	Payload       *model.AnalysisReport `json:"payload"`
}

// FileSink appends reports to an NDJSON file, one record per line, rolling
// over to base.N.ext once the current file reaches maxSize bytes. The job
// credential is never written.
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	base    string
	ext     string
	index   int
	maxSize int64
	now     func() time.Time
}

func NewFileSink(name string, maxSize int64) (*FileSink, error) {
	ext := filepath.Ext(name)
	s := &FileSink{
		base:    strings.TrimSuffix(name, ext),
		ext:     ext,
		maxSize: maxSize,
		now:     time.Now,
	}
	if err := s.openFile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) fileName() string {
	if s.index > 0 {
		return fmt.Sprintf("%s.%d%s", s.base, s.index, s.ext)
	}
	return s.base + s.ext
}

func (s *FileSink) openFile() error {
	f, err := os.OpenFile(s.fileName(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	s.file = f
	s.buf = bufio.NewWriterSize(f, 64*1024)
	return nil
}

func (s *FileSink) Publish(_ context.Context, r *model.AnalysisReport) error {
	line, err := jsonMarshal(fileRecord{
		RecordType:    "analysis_report",
		SchemaVersion: SchemaVersion,
		WrittenAt:     s.now().UTC().Format(time.RFC3339),
		Payload:       Redacted(r),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	if _, err := s.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if s.maxSize > 0 {
		if info, err := s.file.Stat(); err == nil && info.Size() >= s.maxSize {
			return s.rotate()
		}
	}
	return nil
}

func (s *FileSink) rotate() error {
	s.closeFile()
	s.index++
	logger.Debugf("Rotating report file to %s", s.fileName())
	return s.openFile()
}

func (s *FileSink) closeFile() {
	if s.file == nil {
		return
	}
	_ = s.buf.Flush()
	_ = s.file.Sync()
	_ = s.file.Close()
	s.file = nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFile()
	return nil
}
