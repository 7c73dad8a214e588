package scanner

import (
	"context"

	"forksentry/scanner/prefilter"
)

// Strings reports indicator-of-compromise terms embedded in a sample, such
// as mining pool URLs or dropper commands.
type Strings struct {
	counter prefilter.SearchCounter
}

func NewStrings(terms []string) *Strings {
	return &Strings{counter: prefilter.BuildSearchCounter(terms, true)}
}

func (s *Strings) Name() string { return "strings" }

func (s *Strings) Scan(ctx context.Context, sample Sample) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched := s.counter.Matched(sample.Content)
	if len(matched) == 0 {
		return nil, nil
	}
	out := make([]string, len(matched))
	for i, term := range matched {
		out[i] = "ioc-string:" + term
	}
	return out, nil
}
