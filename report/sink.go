package report

import (
	"context"
	"errors"
	"fmt"
	"io"

	"forksentry/model"
)

// Sink receives alert-worthy reports.
type Sink interface {
	Publish(ctx context.Context, r *model.AnalysisReport) error
}

// MultiSink delivers to every member and reports all failures together.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, r *model.AnalysisReport) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every member that holds resources.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// WriterSink writes each report as one indented JSON document. The one-shot
// CLI uses it with stdout.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Publish(_ context.Context, r *model.AnalysisReport) error {
	data, err := EncodeIndent(Redacted(r))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.W, "%s\n", data)
	return err
}
