package scanner

import (
	"context"
	"fmt"

	"forksentry/fuzzy"
)

// Similarity flags samples whose fuzzy digest is close to a known family.
type Similarity struct {
	corpus    *fuzzy.Corpus
	threshold int
}

func NewSimilarity(corpus *fuzzy.Corpus, threshold int) *Similarity {
	return &Similarity{corpus: corpus, threshold: threshold}
}

func (s *Similarity) Name() string { return "similarity" }

func (s *Similarity) Scan(ctx context.Context, sample Sample) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	match, ok, err := s.corpus.Closest(sample.Content, s.threshold)
	if err != nil || !ok {
		return nil, err
	}
	return []string{fmt.Sprintf("similarity:%s:%s=%d", match.Family, match.Algorithm, match.Distance)}, nil
}
